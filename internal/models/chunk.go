package models

// Chunk is a single piece of a streamed LLM response.
type Chunk struct {
	Type ChunkType

	// Text would be filled if Type is ChunkTypeText.
	Text string

	// Sources would be filled if Type is ChunkTypeSources. Providers that surface retrieval
	// citations emit them as a single chunk, typically at the end of the stream.
	Sources []Source
}

// ChunkType represents the type of a streamed response chunk.
type ChunkType string

const (
	// ChunkTypeText represents a text fragment of the response.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeSources represents the citations supporting the response.
	ChunkTypeSources ChunkType = "sources"
)
