package forecast

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/irfndi/celebrum-forecast/internal/utils"
)

const (
	residualDependency = "residual correction artifact"
	residualIdentity   = "hybrid-residual-model"

	residualLagPrefix = "residual_lag_"
	priceLagPrefix    = "price_lag_"
	vixLagColumn      = "vix_lag_1"
)

// Outcome reports how far a composite strategy got with its optional parts.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeDegraded    Outcome = "degraded"
	OutcomeUnavailable Outcome = "unavailable"
)

// ScalerSpec is an affine per-column scaler: x' = (x - center) / scale.
// A standard scaler stores mean/std, a min-max scaler stores min/(max-min).
// Single-element slices apply to every column.
type ScalerSpec struct {
	Kind   string    `yaml:"kind"`
	Center []float64 `yaml:"center"`
	Scale  []float64 `yaml:"scale"`
}

func (s *ScalerSpec) validate(name string) error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case "", "standard", "minmax":
	default:
		return fmt.Errorf("%s: unknown scaler kind %q", name, s.Kind)
	}
	if len(s.Center) == 0 || len(s.Center) != len(s.Scale) {
		return fmt.Errorf("%s: center and scale must be non-empty and equal length", name)
	}
	for _, sc := range s.Scale {
		if sc == 0 {
			return fmt.Errorf("%s: zero scale", name)
		}
	}
	return nil
}

func (s *ScalerSpec) at(col int) (center, scale float64) {
	if len(s.Center) == 1 {
		return s.Center[0], s.Scale[0]
	}
	return s.Center[col], s.Scale[col]
}

func (s *ScalerSpec) transform(col int, v float64) float64 {
	if s == nil {
		return v
	}
	c, sc := s.at(col)
	return (v - c) / sc
}

func (s *ScalerSpec) inverse(col int, v float64) float64 {
	if s == nil {
		return v
	}
	c, sc := s.at(col)
	return v*sc + c
}

// TreeNode is one node of a gradient-boosted tree in the xgboost JSON dump
// layout. Leaves carry Leaf; split nodes route to Yes when x < SplitCondition.
type TreeNode struct {
	NodeID         int        `yaml:"nodeid"`
	Split          string     `yaml:"split"`
	SplitCondition float64    `yaml:"split_condition"`
	Yes            int        `yaml:"yes"`
	No             int        `yaml:"no"`
	Missing        int        `yaml:"missing"`
	Leaf           *float64   `yaml:"leaf"`
	Children       []TreeNode `yaml:"children"`
}

// ResidualManifest describes a residual-correction artifact on disk.
type ResidualManifest struct {
	FeatureCols    []string    `yaml:"feature_cols"`
	ResidualLags   int         `yaml:"residual_lags"`
	PriceLags      int         `yaml:"price_lags"`
	ScalerPrice    *ScalerSpec `yaml:"scaler_price"`
	ScalerResidual *ScalerSpec `yaml:"scaler_residual"`
	BaseScore      float64     `yaml:"base_score"`
	Trees          []TreeNode  `yaml:"trees"`
	TreesFile      string      `yaml:"trees_file"`
}

type compiledNode struct {
	feature   int
	threshold float64
	yes, no   int
	missing   int
	leaf      float64
	isLeaf    bool
}

type compiledTree struct {
	root  int
	nodes map[int]compiledNode
}

// ResidualModel predicts the next-step residual of the trend-seasonality
// model from lagged residuals and prices.
type ResidualModel struct {
	manifest    ResidualManifest
	priceCols   map[int]int // feature index -> price scaler column
	trees       []compiledTree
	Fingerprint string
}

// LoadResidualModel reads a manifest and its tree dump. A missing file is
// reported as an unavailable dependency; anything else that prevents
// loading is a plain error.
func LoadResidualModel(path string) (*ResidualModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, utils.NewUnavailableError(residualDependency, err)
		}
		return nil, fmt.Errorf("read residual artifact: %w", err)
	}

	var manifest ResidualManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse residual artifact %s: %w", path, err)
	}

	if manifest.TreesFile != "" {
		treesPath := manifest.TreesFile
		if !filepath.IsAbs(treesPath) {
			treesPath = filepath.Join(filepath.Dir(path), treesPath)
		}
		dump, err := os.ReadFile(treesPath)
		if err != nil {
			return nil, fmt.Errorf("read tree dump: %w", err)
		}
		var trees []TreeNode
		if err := yaml.Unmarshal(dump, &trees); err != nil {
			return nil, fmt.Errorf("parse tree dump %s: %w", treesPath, err)
		}
		manifest.Trees = append(manifest.Trees, trees...)
	}

	return compileResidualModel(manifest)
}

func compileResidualModel(manifest ResidualManifest) (*ResidualModel, error) {
	if len(manifest.FeatureCols) == 0 {
		return nil, errors.New("residual artifact: feature_cols is empty")
	}
	if len(manifest.Trees) == 0 {
		return nil, errors.New("residual artifact: no trees")
	}
	if err := manifest.ScalerPrice.validate("scaler_price"); err != nil {
		return nil, err
	}
	if err := manifest.ScalerResidual.validate("scaler_residual"); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(manifest.FeatureCols))
	priceCols := make(map[int]int)
	for i, col := range manifest.FeatureCols {
		if _, err := lagOf(col, manifest); err != nil {
			return nil, err
		}
		index[col] = i
		if strings.HasPrefix(col, priceLagPrefix) {
			priceCols[i] = len(priceCols)
		}
	}
	if s := manifest.ScalerPrice; s != nil && len(s.Center) > 1 && len(s.Center) != len(priceCols) {
		return nil, fmt.Errorf("scaler_price: %d columns for %d price lags", len(s.Center), len(priceCols))
	}

	model := &ResidualModel{manifest: manifest, priceCols: priceCols}
	for i, root := range manifest.Trees {
		tree := compiledTree{root: root.NodeID, nodes: make(map[int]compiledNode)}
		if err := tree.add(root, index, len(manifest.FeatureCols)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		model.trees = append(model.trees, tree)
	}
	return model, nil
}

func (t *compiledTree) add(n TreeNode, index map[string]int, width int) error {
	if n.Leaf != nil {
		t.nodes[n.NodeID] = compiledNode{leaf: *n.Leaf, isLeaf: true}
		return nil
	}

	feature, ok := index[n.Split]
	if !ok {
		idx, err := strconv.Atoi(strings.TrimPrefix(n.Split, "f"))
		if err != nil || !strings.HasPrefix(n.Split, "f") || idx < 0 || idx >= width {
			return fmt.Errorf("node %d splits on unknown feature %q", n.NodeID, n.Split)
		}
		feature = idx
	}
	if len(n.Children) == 0 {
		return fmt.Errorf("split node %d has no children", n.NodeID)
	}

	t.nodes[n.NodeID] = compiledNode{
		feature:   feature,
		threshold: n.SplitCondition,
		yes:       n.Yes,
		no:        n.No,
		missing:   n.Missing,
	}
	for _, child := range n.Children {
		if err := t.add(child, index, width); err != nil {
			return err
		}
	}
	return nil
}

func (t *compiledTree) predict(x []float64) (float64, error) {
	id := t.root
	for steps := 0; steps <= len(t.nodes); steps++ {
		node, ok := t.nodes[id]
		if !ok {
			return 0, fmt.Errorf("dangling node reference %d", id)
		}
		if node.isLeaf {
			return node.leaf, nil
		}
		v := x[node.feature]
		switch {
		case math.IsNaN(v):
			id = node.missing
		case v < node.threshold:
			id = node.yes
		default:
			id = node.no
		}
	}
	return 0, errors.New("tree walk did not reach a leaf")
}

// lagOf validates a feature column name against the manifest lags.
func lagOf(col string, m ResidualManifest) (int, error) {
	parse := func(prefix string, max int) (int, error) {
		lag, err := strconv.Atoi(strings.TrimPrefix(col, prefix))
		if err != nil || lag < 1 || lag > max {
			return 0, fmt.Errorf("residual artifact: feature %q outside 1..%d", col, max)
		}
		return lag, nil
	}
	switch {
	case col == vixLagColumn:
		return 1, nil
	case strings.HasPrefix(col, residualLagPrefix):
		return parse(residualLagPrefix, m.ResidualLags)
	case strings.HasPrefix(col, priceLagPrefix):
		return parse(priceLagPrefix, m.PriceLags)
	}
	return 0, fmt.Errorf("residual artifact: unsupported feature %q", col)
}

// FeatureRow builds the model input from the training prices and the
// trend-seasonality in-sample fit. Lags that reach before the series are 0.
func (m *ResidualModel) FeatureRow(prices, fitted []float64) []float64 {
	n := len(prices)
	at := func(values []float64, lag int) float64 {
		if idx := n - lag; idx >= 0 && idx < len(values) {
			return values[idx]
		}
		return 0
	}

	row := make([]float64, len(m.manifest.FeatureCols))
	for i, col := range m.manifest.FeatureCols {
		lag, _ := lagOf(col, m.manifest)
		switch {
		case strings.HasPrefix(col, residualLagPrefix):
			if idx := n - lag; idx >= 0 && idx < len(fitted) {
				row[i] = prices[idx] - fitted[idx]
			}
		case strings.HasPrefix(col, priceLagPrefix):
			row[i] = m.manifest.ScalerPrice.transform(m.priceCols[i], at(prices, lag))
		}
	}
	return row
}

// Correction returns the predicted residual for the step after the series,
// in price units.
func (m *ResidualModel) Correction(prices, fitted []float64) (float64, error) {
	row := m.FeatureRow(prices, fitted)
	score := m.manifest.BaseScore
	for i := range m.trees {
		leaf, err := m.trees[i].predict(row)
		if err != nil {
			return 0, fmt.Errorf("residual model tree %d: %w", i, err)
		}
		score += leaf
	}
	return m.manifest.ScalerResidual.inverse(0, score), nil
}

// Trees returns the ensemble size.
func (m *ResidualModel) Trees() int {
	return len(m.trees)
}

// residualFingerprint identifies an artifact file revision by path, size and
// modification time.
func residualFingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", utils.NewUnavailableError(residualDependency, err)
		}
		return "", fmt.Errorf("stat residual artifact: %w", err)
	}
	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

// acquireResidualModel loads the artifact through the shared cache.
func acquireResidualModel(ctx context.Context, deps *Dependencies) (*ResidualModel, error) {
	path := deps.ResidualArtifactPath
	if path == "" {
		return nil, utils.NewUnavailableError(residualDependency, errors.New("no artifact path configured"))
	}
	fingerprint, err := residualFingerprint(path)
	if err != nil {
		return nil, err
	}
	return deps.ResidualModels.GetOrCreate(ctx, residualIdentity, fingerprint, func(context.Context) (*ResidualModel, error) {
		model, err := LoadResidualModel(path)
		if err != nil {
			return nil, err
		}
		model.Fingerprint = fingerprint
		return model, nil
	})
}
