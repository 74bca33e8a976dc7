package forecast

import (
	"math"
	"math/rand/v2"
)

// elmanNetwork is a single tanh recurrent layer followed by a linear head,
// mapping a window of scalars to the next scalar.
//
// All weights live in one flat slice so the optimiser can treat them
// uniformly:
//
//	wx[H] | wh[H*H] | b[H] | wo[H] | bo
type elmanNetwork struct {
	hidden int
	theta  []float64
}

type adamOptimizer struct {
	lr, beta1, beta2, eps float64
	m, v                  []float64
	t                     int
}

const (
	elmanHidden       = 16
	elmanLearningRate = 0.01
	elmanClipNorm     = 5.0
)

func newElmanNetwork(hidden int, rng *rand.Rand) *elmanNetwork {
	n := &elmanNetwork{hidden: hidden, theta: make([]float64, hidden*hidden+3*hidden+1)}
	limit := 1 / math.Sqrt(float64(hidden))
	for i := range n.theta {
		n.theta[i] = (rng.Float64()*2 - 1) * limit
	}
	return n
}

func (n *elmanNetwork) wx() []float64 { return n.theta[:n.hidden] }
func (n *elmanNetwork) wh() []float64 { return n.theta[n.hidden : n.hidden+n.hidden*n.hidden] }
func (n *elmanNetwork) b() []float64 {
	off := n.hidden + n.hidden*n.hidden
	return n.theta[off : off+n.hidden]
}
func (n *elmanNetwork) wo() []float64 {
	off := 2*n.hidden + n.hidden*n.hidden
	return n.theta[off : off+n.hidden]
}
func (n *elmanNetwork) boIndex() int { return len(n.theta) - 1 }

// forward returns the hidden states h[0..T] (h[0] is zero) and the output.
func (n *elmanNetwork) forward(window []float64) ([][]float64, float64) {
	H := n.hidden
	wx, wh, b, wo := n.wx(), n.wh(), n.b(), n.wo()

	states := make([][]float64, len(window)+1)
	states[0] = make([]float64, H)
	for t, x := range window {
		prev := states[t]
		h := make([]float64, H)
		for i := 0; i < H; i++ {
			a := wx[i]*x + b[i]
			row := wh[i*H : (i+1)*H]
			for j, hp := range prev {
				a += row[j] * hp
			}
			h[i] = math.Tanh(a)
		}
		states[t+1] = h
	}

	last := states[len(window)]
	out := n.theta[n.boIndex()]
	for i, w := range wo {
		out += w * last[i]
	}
	return states, out
}

func (n *elmanNetwork) predict(window []float64) float64 {
	_, out := n.forward(window)
	return out
}

// accumulateGradient back-propagates the squared error of one sample
// through time and adds scale*gradient into grad.
func (n *elmanNetwork) accumulateGradient(window []float64, target, scale float64, grad []float64) float64 {
	H := n.hidden
	states, out := n.forward(window)
	wh, wo := n.wh(), n.wo()

	gWx := grad[:H]
	gWh := grad[H : H+H*H]
	gB := grad[H+H*H : 2*H+H*H]
	gWo := grad[2*H+H*H : 3*H+H*H]

	dOut := (out - target) * scale
	last := states[len(window)]
	grad[n.boIndex()] += dOut

	dh := make([]float64, H)
	for i := 0; i < H; i++ {
		gWo[i] += dOut * last[i]
		dh[i] = dOut * wo[i]
	}

	da := make([]float64, H)
	for t := len(window); t >= 1; t-- {
		h, prev := states[t], states[t-1]
		x := window[t-1]
		for i := 0; i < H; i++ {
			da[i] = dh[i] * (1 - h[i]*h[i])
			gWx[i] += da[i] * x
			gB[i] += da[i]
			row := gWh[i*H : (i+1)*H]
			for j := 0; j < H; j++ {
				row[j] += da[i] * prev[j]
			}
		}
		for j := 0; j < H; j++ {
			sum := 0.0
			for i := 0; i < H; i++ {
				sum += wh[i*H+j] * da[i]
			}
			dh[j] = sum
		}
	}

	diff := out - target
	return 0.5 * diff * diff
}

// train runs mini-batch Adam over the samples in their given order.
func (n *elmanNetwork) train(windows [][]float64, targets []float64, epochs, batchSize int) {
	if len(windows) == 0 {
		return
	}
	opt := &adamOptimizer{
		lr: elmanLearningRate, beta1: 0.9, beta2: 0.999, eps: 1e-8,
		m: make([]float64, len(n.theta)),
		v: make([]float64, len(n.theta)),
	}
	grad := make([]float64, len(n.theta))

	for epoch := 0; epoch < epochs; epoch++ {
		for start := 0; start < len(windows); start += batchSize {
			end := min(start+batchSize, len(windows))
			clear(grad)
			scale := 1 / float64(end-start)
			for k := start; k < end; k++ {
				n.accumulateGradient(windows[k], targets[k], scale, grad)
			}
			clipGradient(grad, elmanClipNorm)
			opt.step(n.theta, grad)
		}
	}
}

func clipGradient(grad []float64, maxNorm float64) {
	sq := 0.0
	for _, g := range grad {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	f := maxNorm / norm
	for i := range grad {
		grad[i] *= f
	}
}

func (o *adamOptimizer) step(theta, grad []float64) {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))
	for i, g := range grad {
		o.m[i] = o.beta1*o.m[i] + (1-o.beta1)*g
		o.v[i] = o.beta2*o.v[i] + (1-o.beta2)*g*g
		mHat := o.m[i] / c1
		vHat := o.v[i] / c2
		theta[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
	}
}
