package tools

import (
	"errors"
	"sort"
	"strings"

	"github.com/ManuelReschke/RenderFox/app/models"
	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

// ErrUnknownTool is returned by Lookup.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one metered generation endpoint.
type Tool struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cost      int    `json:"cost"`
	Endpoint  string `json:"-"`
	MediaType string `json:"media_type"`
	// Async tools return a task id that must be polled.
	Async bool `json:"async"`
	// NeedsSource tools require a source image URL.
	NeedsSource bool `json:"needs_source"`
}

var defaults = []Tool{
	{ID: "render", Name: "Render", Cost: 5, Endpoint: "/render", MediaType: models.MediaTypeImage},
	{ID: "interior", Name: "Interior design", Cost: 5, Endpoint: "/interior", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "exterior", Name: "Exterior design", Cost: 5, Endpoint: "/exterior", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "sketch", Name: "Sketch to render", Cost: 5, Endpoint: "/sketch", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "edit", Name: "Image edit", Cost: 4, Endpoint: "/edit", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "inpaint", Name: "Inpaint", Cost: 4, Endpoint: "/inpaint", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "style-transfer", Name: "Style transfer", Cost: 5, Endpoint: "/style-transfer", MediaType: models.MediaTypeImage, NeedsSource: true},
	{ID: "upscale", Name: "Upscale", Cost: 10, Endpoint: "/upscale", MediaType: models.MediaTypeImage, Async: true, NeedsSource: true},
	{ID: "video", Name: "Text to video", Cost: 20, Endpoint: "/video", MediaType: models.MediaTypeVideo},
	{ID: "image-to-video", Name: "Image to video", Cost: 20, Endpoint: "/image-to-video", MediaType: models.MediaTypeVideo, NeedsSource: true},
}

// Catalog is an immutable set of tools.
type Catalog struct {
	tools map[string]Tool
}

// NewCatalog copies tools into a catalog.
func NewCatalog(list []Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool, len(list))}
	for _, t := range list {
		c.tools[t.ID] = t
	}
	return c
}

// DefaultCatalog applies TOOL_COST_<ID> overrides (dashes become
// underscores, e.g. TOOL_COST_IMAGE_TO_VIDEO).
func DefaultCatalog() *Catalog {
	list := make([]Tool, len(defaults))
	copy(list, defaults)
	for i := range list {
		key := "TOOL_COST_" + strings.ToUpper(strings.ReplaceAll(list[i].ID, "-", "_"))
		if cost := env.GetEnvInt(key, list[i].Cost); cost > 0 {
			list[i].Cost = cost
		}
	}
	return NewCatalog(list)
}

func (c *Catalog) Lookup(id string) (Tool, error) {
	t, ok := c.tools[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Tool{}, ErrUnknownTool
	}
	return t, nil
}

// List returns the tools ordered by id.
func (c *Catalog) List() []Tool {
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
