package nutrimind

type ModelConfig struct {
	ModelID      string  `env:"MODEL_ID,required"`
	EmbedModelID string  `env:"EMBED_MODEL_ID,default=amazon.titan-embed-text-v2:0"`
	MaxTokens    int32   `env:"MAX_TOKENS,default=1024"`
	Temperature  float32 `env:"TEMPERATURE,default=0.2"`
	TopP         float32 `env:"TOP_P,default=0.9"`
}

type PipelineConfig struct {
	SimilarityThreshold  float64 `env:"SIMILARITY_THRESHOLD,default=0.73"`
	CorpusEmbeddingsPath string  `env:"CORPUS_EMBEDDINGS_PATH,default=artifacts/embeddings.bin"`
	CorpusMetadataPath   string  `env:"CORPUS_METADATA_PATH,default=artifacts/metadata.json"`
	CompositeRulesPath   string  `env:"COMPOSITE_RULES_PATH,default=artifacts/composite_rules.json"`
	MaxResolveAttempts   int     `env:"MAX_RESOLVE_ATTEMPTS,default=3"`
	PreferencesPath      string  `env:"PREFERENCES_PATH,default=artifacts/preferences.json"`
}
