// Package embed defines the text-embedding capability used by the vector
// indexer.
package embed

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// EmbedTexts returns one embedding per input text, in order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	Dimension() int
}

// Loader creates an Embedder from config carried on the context. A nil
// Embedder means embedding is off.
type Loader func(ctx context.Context) (Embedder, error)

// Plugin registers an embedder.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins = []Plugin{{
	Name:   "none",
	Loader: func(context.Context) (Embedder, error) { return nil, nil },
}}

// Register adds an embedder plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered embedder names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named embedder.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown embedder %q; valid: %v", name, Names())
}
