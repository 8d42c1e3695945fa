package workflow

import (
	"reflect"
	"testing"
)

func seedPtr(v int64) *int64 { return &v }

func TestText2ImageDefaults(t *testing.T) {
	g := Text2Image("a cat", Options{Seed: seedPtr(42)})

	if len(g) != 7 {
		t.Fatalf("expected 7 nodes, got %d", len(g))
	}

	sampler := g["3"]
	if sampler.ClassType != "KSampler" {
		t.Errorf("expected KSampler, got %s", sampler.ClassType)
	}
	if sampler.Inputs["steps"] != DefaultSteps {
		t.Errorf("expected default steps %d, got %v", DefaultSteps, sampler.Inputs["steps"])
	}
	if sampler.Inputs["cfg"] != DefaultCFG {
		t.Errorf("expected default cfg %v, got %v", DefaultCFG, sampler.Inputs["cfg"])
	}
	if sampler.Inputs["seed"] != int64(42) {
		t.Errorf("expected seed 42, got %v", sampler.Inputs["seed"])
	}
	if sampler.Inputs["sampler_name"] != DefaultSampler {
		t.Errorf("expected sampler %q, got %v", DefaultSampler, sampler.Inputs["sampler_name"])
	}

	latent := g["5"]
	if latent.Inputs["width"] != DefaultWidth || latent.Inputs["height"] != DefaultHeight {
		t.Errorf("expected default canvas %dx%d, got %vx%v",
			DefaultWidth, DefaultHeight, latent.Inputs["width"], latent.Inputs["height"])
	}

	if g["4"].Inputs["ckpt_name"] != DefaultModel {
		t.Errorf("expected default model, got %v", g["4"].Inputs["ckpt_name"])
	}
	if g["7"].Inputs["text"] != DefaultNegativePrompt {
		t.Errorf("expected boilerplate negative prompt, got %v", g["7"].Inputs["text"])
	}
}

func TestText2ImagePromptWiring(t *testing.T) {
	g := Text2Image("a red fox in snow", Options{Seed: seedPtr(1)})

	if g["6"].Inputs["text"] != "a red fox in snow" {
		t.Errorf("positive encode must carry the prompt, got %v", g["6"].Inputs["text"])
	}

	// Data dependencies: sampler consumes model, both encodings and latent;
	// decode consumes sampler and vae; save consumes decode.
	wantLinks := []struct {
		node, input string
		ref         []interface{}
	}{
		{"3", "model", []interface{}{"4", 0}},
		{"3", "positive", []interface{}{"6", 0}},
		{"3", "negative", []interface{}{"7", 0}},
		{"3", "latent_image", []interface{}{"5", 0}},
		{"6", "clip", []interface{}{"4", 1}},
		{"7", "clip", []interface{}{"4", 1}},
		{"8", "samples", []interface{}{"3", 0}},
		{"8", "vae", []interface{}{"4", 2}},
		{"9", "images", []interface{}{"8", 0}},
	}
	for _, w := range wantLinks {
		got := g[w.node].Inputs[w.input]
		if !reflect.DeepEqual(got, w.ref) {
			t.Errorf("node %s input %s: expected %v, got %v", w.node, w.input, w.ref, got)
		}
	}
}

func TestText2ImageExplicitOptions(t *testing.T) {
	g := Text2Image("a cat", Options{
		Width:          1024,
		Height:         576,
		Steps:          40,
		CFG:            8.5,
		Sampler:        "dpmpp_2m",
		Scheduler:      "karras",
		Seed:           seedPtr(0),
		Model:          "custom.safetensors",
		NegativePrompt: "cars",
	})

	sampler := g["3"]
	if sampler.Inputs["seed"] != int64(0) {
		t.Errorf("seed 0 must be honored, got %v", sampler.Inputs["seed"])
	}
	if sampler.Inputs["steps"] != 40 || sampler.Inputs["cfg"] != 8.5 {
		t.Errorf("explicit steps/cfg not applied: %v / %v", sampler.Inputs["steps"], sampler.Inputs["cfg"])
	}
	if sampler.Inputs["sampler_name"] != "dpmpp_2m" || sampler.Inputs["scheduler"] != "karras" {
		t.Errorf("explicit sampler/scheduler not applied")
	}
	if g["5"].Inputs["height"] != 576 {
		t.Errorf("expected height 576, got %v", g["5"].Inputs["height"])
	}
	if g["7"].Inputs["text"] != "cars" {
		t.Errorf("expected negative prompt override, got %v", g["7"].Inputs["text"])
	}
}

func TestText2ImageRandomSeed(t *testing.T) {
	g := Text2Image("a cat", Options{})
	seed, ok := g["3"].Inputs["seed"].(int64)
	if !ok {
		t.Fatalf("expected int64 seed, got %T", g["3"].Inputs["seed"])
	}
	if seed < 0 || seed >= 1_000_000_000 {
		t.Errorf("random seed out of range: %d", seed)
	}
}

func TestText2ImageUpscaled(t *testing.T) {
	g := Text2ImageUpscaled("a cat", Options{Seed: seedPtr(1)})

	if len(g) != 8 {
		t.Fatalf("expected 8 nodes, got %d", len(g))
	}

	up := g["10"]
	if up.ClassType != "ImageScale" {
		t.Errorf("expected ImageScale, got %s", up.ClassType)
	}
	if !reflect.DeepEqual(up.Inputs["image"], []interface{}{"8", 0}) {
		t.Errorf("upscale must consume the decode output, got %v", up.Inputs["image"])
	}
	if !reflect.DeepEqual(g["9"].Inputs["images"], []interface{}{"10", 0}) {
		t.Errorf("save must be rewired to the upscale output, got %v", g["9"].Inputs["images"])
	}
}

func TestUpscaledDoesNotAffectBaseGraph(t *testing.T) {
	base := Text2Image("a cat", Options{Seed: seedPtr(1)})
	_ = Text2ImageUpscaled("a cat", Options{Seed: seedPtr(1)})

	if !reflect.DeepEqual(base["9"].Inputs["images"], []interface{}{"8", 0}) {
		t.Errorf("building an upscaled variant must not rewire an existing base graph")
	}
	if _, exists := base["10"]; exists {
		t.Errorf("base graph must not gain an upscale node")
	}
}

func TestOptionsFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]interface{}
		want Options
	}{
		{
			name: "compiler-typed values",
			in: map[string]interface{}{
				"width": 1024, "height": 576, "steps": 30,
				"cfg": 8.5, "seed": int64(42), "negative_prompt": "cars",
			},
			want: Options{Width: 1024, Height: 576, Steps: 30, CFG: 8.5, Seed: seedPtr(42), NegativePrompt: "cars"},
		},
		{
			name: "json-decoded floats",
			in: map[string]interface{}{
				"width": float64(576), "height": float64(1024), "seed": float64(7), "upscale": true,
			},
			want: Options{Width: 576, Height: 1024, Seed: seedPtr(7), Upscale: true},
		},
		{
			name: "unknown keys ignored",
			in:   map[string]interface{}{"bogus": "x", "steps": 25},
			want: Options{Steps: 25},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OptionsFromMap(tt.in)
			if (got.Seed == nil) != (tt.want.Seed == nil) {
				t.Fatalf("seed presence mismatch")
			}
			if got.Seed != nil && *got.Seed != *tt.want.Seed {
				t.Errorf("expected seed %d, got %d", *tt.want.Seed, *got.Seed)
			}
			got.Seed, tt.want.Seed = nil, nil
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
