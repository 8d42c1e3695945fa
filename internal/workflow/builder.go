// Package workflow builds ComfyUI-executable node graphs for text-to-image
// generation. A graph is a map of stage nodes keyed by stable ids; node
// inputs reference other nodes' output slots or carry literal parameters.
package workflow

import (
	"math"
	"math/rand"
)

// Default generation parameters, applied for anything the caller leaves unset.
const (
	DefaultWidth     = 1024
	DefaultHeight    = 1024
	DefaultSteps     = 20
	DefaultCFG       = 7.5
	DefaultSampler   = "euler"
	DefaultScheduler = "normal"
	DefaultModel     = "sd_xl_base_1.0.safetensors"
	DefaultDenoise   = 1.0

	// DefaultNegativePrompt is the boilerplate exclusion list used when the
	// prompt carries no --no directive.
	DefaultNegativePrompt = "text, watermark, lowres, low quality, worst quality, deformed, glitch, low contrast, noisy, saturation, blurry"
)

// Stage node ids. The layout mirrors the standard SDXL text-to-image graph.
const (
	nodeSampler    = "3"
	nodeCheckpoint = "4"
	nodeLatent     = "5"
	nodePositive   = "6"
	nodeNegative   = "7"
	nodeDecode     = "8"
	nodeSave       = "9"
	nodeUpscale    = "10"
)

// Node is one stage of the computation graph.
type Node struct {
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      NodeMeta               `json:"_meta"`
}

// NodeMeta carries the human-readable stage title shown in the ComfyUI editor.
type NodeMeta struct {
	Title string `json:"title"`
}

// Graph is a backend-executable computation graph keyed by node id.
type Graph map[string]Node

// Options holds generation parameters. Zero values mean "use the default";
// Seed is a pointer because zero is a legitimate seed.
type Options struct {
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	Seed           *int64
	Model          string
	Denoise        float64
	Upscale        bool
}

// OptionsFromMap builds Options from a loosely typed option map, as produced
// by the prompt compiler or decoded from a JSON submission. Unknown keys are
// ignored; numeric values may arrive as int, int64, or float64.
func OptionsFromMap(m map[string]interface{}) Options {
	var o Options
	if v, ok := asString(m["negative_prompt"]); ok {
		o.NegativePrompt = v
	}
	if v, ok := asInt(m["width"]); ok {
		o.Width = v
	}
	if v, ok := asInt(m["height"]); ok {
		o.Height = v
	}
	if v, ok := asInt(m["steps"]); ok {
		o.Steps = v
	}
	if v, ok := asFloat(m["cfg"]); ok {
		o.CFG = v
	}
	if v, ok := asString(m["sampler"]); ok {
		o.Sampler = v
	}
	if v, ok := asString(m["scheduler"]); ok {
		o.Scheduler = v
	}
	if v, ok := asInt64(m["seed"]); ok {
		o.Seed = &v
	}
	if v, ok := asString(m["model"]); ok {
		o.Model = v
	}
	if v, ok := asFloat(m["denoise"]); ok {
		o.Denoise = v
	}
	if v, ok := m["upscale"].(bool); ok {
		o.Upscale = v
	}
	return o
}

// withDefaults fills every unset field. A missing seed gets a fresh random
// value, so two default builds differ only in seed.
func (o Options) withDefaults() Options {
	if o.NegativePrompt == "" {
		o.NegativePrompt = DefaultNegativePrompt
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Steps <= 0 {
		o.Steps = DefaultSteps
	}
	if o.CFG <= 0 {
		o.CFG = DefaultCFG
	}
	if o.Sampler == "" {
		o.Sampler = DefaultSampler
	}
	if o.Scheduler == "" {
		o.Scheduler = DefaultScheduler
	}
	if o.Seed == nil {
		seed := rand.Int63n(1_000_000_000)
		o.Seed = &seed
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Denoise <= 0 {
		o.Denoise = DefaultDenoise
	}
	return o
}

// link references another node's output slot.
func link(nodeID string, slot int) []interface{} {
	return []interface{}{nodeID, slot}
}

// Text2Image builds the base text-to-image graph: checkpoint load feeds two
// CLIP encodes and the sampler, an empty latent sets the canvas, the sampler
// output is VAE-decoded and saved.
func Text2Image(prompt string, opts Options) Graph {
	o := opts.withDefaults()

	return Graph{
		nodeSampler: {
			ClassType: "KSampler",
			Meta:      NodeMeta{Title: "KSampler"},
			Inputs: map[string]interface{}{
				"seed":         *o.Seed,
				"steps":        o.Steps,
				"cfg":          o.CFG,
				"sampler_name": o.Sampler,
				"scheduler":    o.Scheduler,
				"denoise":      o.Denoise,
				"model":        link(nodeCheckpoint, 0),
				"positive":     link(nodePositive, 0),
				"negative":     link(nodeNegative, 0),
				"latent_image": link(nodeLatent, 0),
			},
		},
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Meta:      NodeMeta{Title: "Load Checkpoint"},
			Inputs: map[string]interface{}{
				"ckpt_name": o.Model,
			},
		},
		nodeLatent: {
			ClassType: "EmptyLatentImage",
			Meta:      NodeMeta{Title: "Empty Latent Image"},
			Inputs: map[string]interface{}{
				"width":      o.Width,
				"height":     o.Height,
				"batch_size": 1,
			},
		},
		nodePositive: {
			ClassType: "CLIPTextEncode",
			Meta:      NodeMeta{Title: "CLIP Text Encode (Prompt)"},
			Inputs: map[string]interface{}{
				"text": prompt,
				"clip": link(nodeCheckpoint, 1),
			},
		},
		nodeNegative: {
			ClassType: "CLIPTextEncode",
			Meta:      NodeMeta{Title: "CLIP Text Encode (Negative)"},
			Inputs: map[string]interface{}{
				"text": o.NegativePrompt,
				"clip": link(nodeCheckpoint, 1),
			},
		},
		nodeDecode: {
			ClassType: "VAEDecode",
			Meta:      NodeMeta{Title: "VAE Decode"},
			Inputs: map[string]interface{}{
				"samples": link(nodeSampler, 0),
				"vae":     link(nodeCheckpoint, 2),
			},
		},
		nodeSave: {
			ClassType: "SaveImage",
			Meta:      NodeMeta{Title: "Save Image"},
			Inputs: map[string]interface{}{
				"filename_prefix": "mirage",
				"images":          link(nodeDecode, 0),
			},
		},
	}
}

// Text2ImageUpscaled composes over a fresh base graph, inserting a 2x
// rescale stage between decode and save. The base graph builder is reused,
// never mutated after the fact: this function builds its own copy.
func Text2ImageUpscaled(prompt string, opts Options) Graph {
	g := Text2Image(prompt, opts)

	g[nodeUpscale] = Node{
		ClassType: "ImageScale",
		Meta:      NodeMeta{Title: "Upscale Image"},
		Inputs: map[string]interface{}{
			"upscale_method": "nearest-exact",
			"scale_by":       2,
			"image":          link(nodeDecode, 0),
		},
	}

	save := g[nodeSave]
	inputs := make(map[string]interface{}, len(save.Inputs))
	for k, v := range save.Inputs {
		inputs[k] = v
	}
	inputs["images"] = link(nodeUpscale, 0)
	save.Inputs = inputs
	g[nodeSave] = save

	return g
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(math.Round(n)), true
	}
	return 0, false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
