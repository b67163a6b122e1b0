package model

import "context"

// Embedder binds a router to one embedding model.
type Embedder struct {
	Router ModelRouter
	Model  string
}

func (e Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.Router.RouteEmbedding(ctx, e.Model, text)
}
