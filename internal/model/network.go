// Package model implements the MobileFaceNet embedding network: a stack of
// depthwise separable blocks that maps a face crop to a unit-norm vector.
package model

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/andresmejia3/mobileface/internal/nn"
	"github.com/andresmejia3/mobileface/internal/types"
)

// Name identifies the architecture in exported model metadata.
const Name = "MobileFaceNet"

// classifierPrefix marks the optional linear head in a state dict.
const classifierPrefix = "classifier."

// minInputSize is the smallest crop that still leaves a 1x1 map after the
// four stride-2 stages.
const minInputSize = 16

// Config describes the network shape.
type Config struct {
	EmbeddingSize int    `yaml:"embedding_size" json:"embedding_size"`
	InputSize     int    `yaml:"input_size" json:"input_size"`
	NumClasses    int    `yaml:"num_classes" json:"num_classes"`
	Seed          uint64 `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		EmbeddingSize: types.DefaultEmbeddingSize,
		InputSize:     types.CropSize,
		Seed:          42,
	}
}

func (c Config) Validate() error {
	if c.EmbeddingSize <= 0 {
		return fmt.Errorf("embedding size must be positive, got %d", c.EmbeddingSize)
	}
	if c.InputSize < minInputSize {
		return fmt.Errorf("input size must be at least %d, got %d", minInputSize, c.InputSize)
	}
	if c.NumClasses < 0 {
		return fmt.Errorf("number of classes cannot be negative, got %d", c.NumClasses)
	}
	return nil
}

// stage is one owned step of the pipeline. The set of variants is closed:
// ConvBlock, DepthwiseSeparable, and the plain conv/bn/normalise tail.
type stage interface {
	nn.Layer
}

// Network is the embedding network. Forward in evaluation mode does not write
// to the network, so Embed may be called from many goroutines as long as no
// training step or LoadStateDict runs concurrently.
type Network struct {
	cfg Config

	conv1 *ConvBlock
	dw1   *DepthwiseSeparable
	conv2 *DepthwiseSeparable
	conv3 *DepthwiseSeparable
	conv4 *DepthwiseSeparable
	conv5 *DepthwiseSeparable
	conv6 *DepthwiseSeparable
	conv7 *nn.Conv2D
	bn    *nn.BatchNorm2D
	norm  *nn.L2Norm

	// classifier is the detachable D -> C head, nil when NumClasses is 0.
	classifier *nn.Linear

	stages []stage
}

// New builds a network with freshly initialised weights.
func New(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	m := &Network{cfg: cfg}
	m.conv1 = NewConvBlock("conv1", types.CropChannels, 64, 3, 2, 1, 1, rng)
	m.dw1 = NewDepthwiseSeparable("dw1", 64, 64, 1, rng)
	m.conv2 = NewDepthwiseSeparable("conv2", 64, 128, 2, rng)
	m.conv3 = NewDepthwiseSeparable("conv3", 128, 128, 1, rng)
	m.conv4 = NewDepthwiseSeparable("conv4", 128, 256, 2, rng)
	m.conv5 = NewDepthwiseSeparable("conv5", 256, 256, 1, rng)
	m.conv6 = NewDepthwiseSeparable("conv6", 256, 512, 2, rng)

	extent := cfg.InputSize
	extent = m.conv1.OutSize(extent)
	for _, b := range []*DepthwiseSeparable{m.dw1, m.conv2, m.conv3, m.conv4, m.conv5, m.conv6} {
		extent = b.OutSize(extent)
	}

	// The final kernel covers whatever extent is left: 7 for 112x112 crops.
	m.conv7 = nn.NewConv2D("conv7", 512, cfg.EmbeddingSize, extent, 1, 0, 1, rng)
	m.bn = nn.NewBatchNorm2D("bn", cfg.EmbeddingSize)
	m.norm = &nn.L2Norm{}

	if cfg.NumClasses > 0 {
		m.classifier = nn.NewLinear("classifier", cfg.EmbeddingSize, cfg.NumClasses, rng)
	}

	m.stages = []stage{m.conv1, m.dw1, m.conv2, m.conv3, m.conv4, m.conv5, m.conv6, m.conv7, m.bn, m.norm}
	return m, nil
}

func (m *Network) Config() Config {
	return m.cfg
}

// HasClassifier reports whether the linear head is attached.
func (m *Network) HasClassifier() bool {
	return m.classifier != nil
}

// Forward maps a [N, 3, S, S] batch to unit-norm embeddings shaped [N, D, 1, 1].
func (m *Network) Forward(x *nn.Tensor, training bool) *nn.Tensor {
	for _, s := range m.stages {
		x = s.Forward(x, training)
	}
	return x
}

// Backward propagates the embedding gradient through every stage,
// accumulating parameter gradients. It must follow a training-mode Forward.
func (m *Network) Backward(dEmb *nn.Tensor) {
	dy := dEmb
	for i := len(m.stages) - 1; i >= 0; i-- {
		dy = m.stages[i].Backward(dy)
	}
}

// Logits applies the classifier head to embeddings.
func (m *Network) Logits(emb *nn.Tensor) (*nn.Tensor, error) {
	if m.classifier == nil {
		return nil, fmt.Errorf("network has no classifier head")
	}
	return m.classifier.Forward(emb, false), nil
}

// Embed computes the embedding of a single crop.
func (m *Network) Embed(crop types.FaceCrop) (types.Embedding, error) {
	out, err := m.EmbedBatch([]types.FaceCrop{crop})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds crops in evaluation mode, one embedding per crop in order.
func (m *Network) EmbedBatch(crops []types.FaceCrop) ([]types.Embedding, error) {
	if len(crops) == 0 {
		return nil, nil
	}
	x, err := Stack(crops, m.cfg.InputSize)
	if err != nil {
		return nil, err
	}
	y := m.Forward(x, false)
	out := make([]types.Embedding, y.N)
	for n := range out {
		out[n] = types.Embedding(y.Sample(n)).Clone()
	}
	return out, nil
}

// Params returns the weights that receive gradients from the embedding path.
// The classifier head is excluded; see HeadParams.
func (m *Network) Params() []*nn.Param {
	var out []*nn.Param
	for _, s := range m.stages {
		out = append(out, s.Params()...)
	}
	return out
}

// HeadParams returns the classifier weights, or nil without a head.
func (m *Network) HeadParams() []*nn.Param {
	if m.classifier == nil {
		return nil
	}
	return m.classifier.Params()
}

// Buffers returns the batch normalisation running statistics.
func (m *Network) Buffers() []*nn.Param {
	var out []*nn.Param
	for _, s := range m.stages {
		out = append(out, s.Buffers()...)
	}
	return out
}

func (m *Network) all() []*nn.Param {
	out := append(m.Params(), m.HeadParams()...)
	return append(out, m.Buffers()...)
}

// StateDict snapshots every parameter and buffer, head included.
func (m *Network) StateDict() nn.StateDict {
	return nn.Collect(m.all())
}

// LoadStateDict restores weights from sd. When the network has no classifier,
// classifier keys in sd are dropped so a checkpoint trained with a head for
// one set of classes can be reused as a pure embedder. Any other unknown,
// missing or mis-shaped key is an error.
func (m *Network) LoadStateDict(sd nn.StateDict) error {
	params := m.all()
	known := make(map[string]struct{}, len(params))
	for _, p := range params {
		known[p.Name] = struct{}{}
	}

	var unexpected []string
	for name := range sd {
		if _, ok := known[name]; ok {
			continue
		}
		if m.classifier == nil && strings.HasPrefix(name, classifierPrefix) {
			continue
		}
		unexpected = append(unexpected, name)
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("load state dict: unexpected keys %v", unexpected)
	}
	if err := nn.Restore(sd, params); err != nil {
		return fmt.Errorf("load state dict: %w", err)
	}
	return nil
}

// FilterClassifier returns a copy of sd without classifier keys.
func FilterClassifier(sd nn.StateDict) nn.StateDict {
	out := make(nn.StateDict, len(sd))
	for k, v := range sd {
		if strings.HasPrefix(k, classifierPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// ParameterCount is the number of learnable scalars, head included.
func (m *Network) ParameterCount() int {
	return nn.CountParams(m.Params()) + nn.CountParams(m.HeadParams())
}

// SizeMB estimates the deployed size with 4-byte weights.
func (m *Network) SizeMB() float64 {
	return SizeMB(m.ParameterCount())
}

func SizeMB(params int) float64 {
	return float64(params) * 4 / (1024 * 1024)
}

// Stack packs crops into an NCHW tensor after checking their size.
func Stack(crops []types.FaceCrop, size int) (*nn.Tensor, error) {
	x := nn.NewTensor(len(crops), types.CropChannels, size, size)
	for i, c := range crops {
		if err := c.Validate(size); err != nil {
			return nil, fmt.Errorf("crop %d: %w", i, err)
		}
		copy(x.Sample(i), c.Pix)
	}
	return x, nil
}
