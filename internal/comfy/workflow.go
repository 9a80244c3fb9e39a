package comfy

import (
	"math/rand"

	"imageforge/internal/domain"
)

// Workflow is the node graph submitted to the engine: named nodes with
// typed inputs, where edges are [nodeId, outputIndex] references.
type Workflow map[string]Node

// Node is one step of the graph.
type Node struct {
	Inputs    map[string]any `json:"inputs"`
	ClassType string         `json:"class_type"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
}

// NodeMeta carries the human-readable node title.
type NodeMeta struct {
	Title string `json:"title"`
}

func edge(nodeID string, output int) []any {
	return []any{nodeID, output}
}

// maxSeed bounds random seeds to the range safely representable in a JSON
// number (2^53 - 1).
const maxSeed = int64(1)<<53 - 1

func randomSeed() int64 {
	return rand.Int63n(maxSeed + 1)
}

var dimensionTable = map[domain.Resolution]map[domain.AspectRatio][2]int{
	domain.Resolution1K: {
		domain.AspectSquare:    {1024, 1024},
		domain.AspectWide:      {1280, 720},
		domain.AspectTall:      {720, 1280},
		domain.AspectClassic:   {1152, 864},
		domain.AspectPortrait:  {864, 1152},
		domain.AspectUltraWide: {1344, 576},
	},
	domain.Resolution2K: {
		domain.AspectSquare:    {2048, 2048},
		domain.AspectWide:      {2560, 1440},
		domain.AspectTall:      {1440, 2560},
		domain.AspectClassic:   {2304, 1728},
		domain.AspectPortrait:  {1728, 2304},
		domain.AspectUltraWide: {2688, 1152},
	},
	domain.Resolution4K: {
		domain.AspectSquare:    {4096, 4096},
		domain.AspectWide:      {3840, 2160},
		domain.AspectTall:      {2160, 3840},
		domain.AspectClassic:   {4096, 3072},
		domain.AspectPortrait:  {3072, 4096},
		domain.AspectUltraWide: {5120, 2160},
	},
}

// Dimensions maps a resolution tier and aspect ratio to the agreed pixel
// dimensions. The table is fixed; the engine only ever sees these pairs.
func Dimensions(res domain.Resolution, aspect domain.AspectRatio) (width, height int, err error) {
	byAspect, ok := dimensionTable[res]
	if !ok {
		return 0, 0, &domain.ValidationError{Field: "resolution", Reason: "must be one of 1K, 2K, 4K"}
	}
	dims, ok := byAspect[aspect]
	if !ok {
		return 0, 0, &domain.ValidationError{Field: "aspectRatio", Reason: "is not supported"}
	}
	return dims[0], dims[1], nil
}

// WorkflowOptions are the abstract parameters BuildWorkflow turns into the
// engine's node graph.
type WorkflowOptions struct {
	Prompt   string
	Width    int
	Height   int
	Steps    int     // 0 means the default of 20
	Guidance float64 // 0 means the default of 4
	Seed     *int64  // nil draws a random seed
	// ReferenceFilename, when set, routes conditioning through the
	// image-to-image reference chain instead of straight from the text
	// encoder.
	ReferenceFilename string
}

// BuildWorkflow assembles the Flux 2 generation graph. The node ids and
// topology are load-bearing: the engine caches compiled graphs by shape,
// so the layout must not drift between submissions.
func BuildWorkflow(opts WorkflowOptions) Workflow {
	steps := opts.Steps
	if steps == 0 {
		steps = domain.DefaultSteps
	}
	guidance := opts.Guidance
	if guidance == 0 {
		guidance = domain.DefaultGuidance
	}
	var seed int64
	if opts.Seed != nil {
		seed = *opts.Seed
	} else {
		seed = randomSeed()
	}

	wf := Workflow{
		"6": {
			Inputs: map[string]any{
				"text": opts.Prompt,
				"clip": edge("38", 0),
			},
			ClassType: "CLIPTextEncode",
			Meta:      &NodeMeta{Title: "CLIP Text Encode (Positive Prompt)"},
		},
		"8": {
			Inputs: map[string]any{
				"samples": edge("13", 0),
				"vae":     edge("10", 0),
			},
			ClassType: "VAEDecode",
			Meta:      &NodeMeta{Title: "VAE Decode"},
		},
		"9": {
			Inputs: map[string]any{
				"filename_prefix": "Flux2",
				"images":          edge("8", 0),
			},
			ClassType: "SaveImage",
			Meta:      &NodeMeta{Title: "Save Image"},
		},
		"10": {
			Inputs: map[string]any{
				"vae_name": "flux2-vae.safetensors",
			},
			ClassType: "VAELoader",
			Meta:      &NodeMeta{Title: "Load VAE"},
		},
		"12": {
			Inputs: map[string]any{
				"unet_name":    "flux2_dev_fp8mixed.safetensors",
				"weight_dtype": "default",
			},
			ClassType: "UNETLoader",
			Meta:      &NodeMeta{Title: "Load Diffusion Model"},
		},
		"13": {
			Inputs: map[string]any{
				"noise":        edge("25", 0),
				"guider":       edge("22", 0),
				"sampler":      edge("16", 0),
				"sigmas":       edge("48", 0),
				"latent_image": edge("47", 0),
			},
			ClassType: "SamplerCustomAdvanced",
			Meta:      &NodeMeta{Title: "SamplerCustomAdvanced"},
		},
		"16": {
			Inputs: map[string]any{
				"sampler_name": "euler",
			},
			ClassType: "KSamplerSelect",
			Meta:      &NodeMeta{Title: "KSamplerSelect"},
		},
		"22": {
			Inputs: map[string]any{
				"model":        edge("12", 0),
				"conditioning": edge("26", 0),
			},
			ClassType: "BasicGuider",
			Meta:      &NodeMeta{Title: "BasicGuider"},
		},
		"25": {
			Inputs: map[string]any{
				"noise_seed": seed,
			},
			ClassType: "RandomNoise",
			Meta:      &NodeMeta{Title: "RandomNoise"},
		},
		"26": {
			Inputs: map[string]any{
				"guidance":     guidance,
				"conditioning": edge("6", 0),
			},
			ClassType: "FluxGuidance",
			Meta:      &NodeMeta{Title: "FluxGuidance"},
		},
		"38": {
			Inputs: map[string]any{
				"clip_name": "mistral_3_small_flux2_bf16.safetensors",
				"type":      "flux2",
				"device":    "default",
			},
			ClassType: "CLIPLoader",
			Meta:      &NodeMeta{Title: "Load CLIP"},
		},
		"47": {
			Inputs: map[string]any{
				"width":      opts.Width,
				"height":     opts.Height,
				"batch_size": 1,
			},
			ClassType: "EmptyFlux2LatentImage",
			Meta:      &NodeMeta{Title: "Empty Flux 2 Latent"},
		},
		"48": {
			Inputs: map[string]any{
				"steps":  steps,
				"width":  opts.Width,
				"height": opts.Height,
			},
			ClassType: "Flux2Scheduler",
			Meta:      &NodeMeta{Title: "Flux2Scheduler"},
		},
	}

	if opts.ReferenceFilename != "" {
		// Image-to-image branch: load, rescale, encode, and wrap the
		// reference as conditioning, then point the guider at it
		// instead of the plain text conditioning.
		wf["43"] = Node{
			Inputs: map[string]any{
				"conditioning": edge("26", 0),
				"latent":       edge("44", 0),
			},
			ClassType: "ReferenceLatent",
			Meta:      &NodeMeta{Title: "ReferenceLatent"},
		}
		wf["44"] = Node{
			Inputs: map[string]any{
				"pixels": edge("45", 0),
				"vae":    edge("10", 0),
			},
			ClassType: "VAEEncode",
			Meta:      &NodeMeta{Title: "VAE Encode"},
		}
		wf["45"] = Node{
			Inputs: map[string]any{
				"upscale_method": "lanczos",
				"megapixels":     1,
				"image":          edge("46", 0),
			},
			ClassType: "ImageScaleToTotalPixels",
			Meta:      &NodeMeta{Title: "ImageScaleToTotalPixels"},
		}
		wf["46"] = Node{
			Inputs: map[string]any{
				"image": opts.ReferenceFilename,
			},
			ClassType: "LoadImage",
			Meta:      &NodeMeta{Title: "Load Image"},
		}
		wf["22"].Inputs["conditioning"] = edge("43", 0)
	}

	return wf
}
