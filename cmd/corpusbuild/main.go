// corpusbuild turns USDA FoodData Central CSV exports into the corpus
// artifact pair (embeddings container + metadata JSON) consumed by the
// analysis pipeline. The build is deterministic: entries are ordered by
// numeric food id and the artifacts carry no timestamps, so unchanged
// inputs produce bit-identical outputs.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"nutrimind"
	"nutrimind/corpus"
	"nutrimind/pipeline/bedrock"
	"nutrimind/pipeline/gemini"
)

// USDA nutrient ids for the four tracked macros.
const (
	nutrientKcal    = 1008
	nutrientProtein = 1003
	nutrientCarbs   = 1005
	nutrientFats    = 1004
)

type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// titanBatcher adapts the per-text Titan embedder to the batch contract.
type titanBatcher struct {
	embedder nutrimind.Embedder
}

func (t titanBatcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := t.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func main() {
	var (
		foodPath      = flag.String("food", "data/food.csv", "path to USDA food.csv")
		nutrientPath  = flag.String("food-nutrient", "data/food_nutrient.csv", "path to USDA food_nutrient.csv")
		outEmbeddings = flag.String("out-embeddings", "artifacts/embeddings.bin", "output embeddings container path")
		outMetadata   = flag.String("out-metadata", "artifacts/metadata.json", "output metadata JSON path")
		backend       = flag.String("backend", "bedrock", "embedding backend: bedrock or gemini")
		dataTypes     = flag.String("data-types", "foundation_food,sr_legacy_food", "comma-separated USDA data_type filter, empty for all")
		batchSize     = flag.Int("batch-size", 64, "texts per embedding batch")
		limit         = flag.Int("limit", 0, "cap on corpus entries, 0 for unlimited")
		force         = flag.Bool("force", false, "rebuild even if both artifacts already exist")
	)
	flag.Parse()

	ctx := context.Background()

	if !*force && exists(*outEmbeddings) && exists(*outMetadata) {
		slog.Info("BUILD: Artifacts already present; nothing to do (use --force to rebuild)",
			"embeddings", *outEmbeddings, "metadata", *outMetadata)
		return
	}

	foods, err := loadFoods(*foodPath, *nutrientPath, *dataTypes, *limit)
	if err != nil {
		log.Fatalf("Failed to load USDA data: %s", err)
	}
	slog.Info("BUILD: USDA foods loaded", "count", len(foods))

	embedder, err := newEmbedder(ctx, *backend)
	if err != nil {
		log.Fatalf("Failed to create embedder: %s", err)
	}

	ids := make([]string, 0, len(foods))
	vectors := make([][]float32, 0, len(foods))
	for start := 0; start < len(foods); start += *batchSize {
		end := min(start+*batchSize, len(foods))
		texts := make([]string, 0, end-start)
		for _, f := range foods[start:end] {
			texts = append(texts, f.Name)
		}

		batch, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			log.Fatalf("Failed to embed batch starting at %d: %s", start, err)
		}
		for i, vec := range batch {
			ids = append(ids, foods[start+i].ID)
			vectors = append(vectors, vec)
		}
		slog.Info("BUILD: Embedded batch", "done", len(ids), "total", len(foods))
	}

	raw, err := corpus.EncodeEmbeddings(ids, vectors)
	if err != nil {
		log.Fatalf("Failed to encode embeddings: %s", err)
	}

	meta, err := json.MarshalIndent(foods, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode metadata: %s", err)
	}

	// Validate the pair round-trips before anything lands on disk.
	if _, err := corpus.Load(ctx, rawState(raw), rawState(meta)); err != nil {
		log.Fatalf("Built artifacts failed validation: %s", err)
	}

	if err := os.WriteFile(*outEmbeddings, raw, 0644); err != nil {
		log.Fatalf("Failed to write embeddings: %s", err)
	}
	if err := os.WriteFile(*outMetadata, meta, 0644); err != nil {
		log.Fatalf("Failed to write metadata: %s", err)
	}

	slog.Info("BUILD: Artifacts written",
		"foods", len(foods),
		"dim", len(vectors[0]),
		"embeddings", *outEmbeddings,
		"metadata", *outMetadata,
	)
}

// rawState satisfies the artifact source contracts with in-memory bytes.
type rawState []byte

func (r rawState) Load(ctx context.Context) ([]byte, error) { return r, nil }

func newEmbedder(ctx context.Context, backend string) (batchEmbedder, error) {
	switch backend {
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryMaxAttempts(5))
		if err != nil {
			return nil, err
		}
		brc := bedrockruntime.NewFromConfig(awsCfg)
		return titanBatcher{embedder: bedrock.NewTitanEmbedder(brc, os.Getenv("EMBED_MODEL_ID"))}, nil
	case "gemini":
		return gemini.NewGenAIEmbedder(ctx, os.Getenv("GEMINI_API_KEY"), os.Getenv("GEMINI_EMBED_MODEL_ID"))
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", backend)
	}
}

// loadFoods joins food.csv with food_nutrient.csv into corpus entries
// ordered by numeric food id. Foods missing a kcal value are dropped;
// missing macro values default to zero, matching the USDA export where
// trace nutrients are simply absent.
func loadFoods(foodPath, nutrientPath, dataTypes string, limit int) ([]corpus.ReferenceFood, error) {
	typeFilter := map[string]bool{}
	for _, t := range strings.Split(dataTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			typeFilter[t] = true
		}
	}

	names := map[string]string{}
	if err := forEachRecord(foodPath, func(col map[string]int, rec []string) error {
		if len(typeFilter) > 0 && !typeFilter[rec[col["data_type"]]] {
			return nil
		}
		id := rec[col["fdc_id"]]
		desc := strings.TrimSpace(rec[col["description"]])
		if id != "" && desc != "" {
			names[id] = desc
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse %s: %w", foodPath, err)
	}

	facts := map[string]*nutrimind.NutritionFacts{}
	hasKcal := map[string]bool{}
	if err := forEachRecord(nutrientPath, func(col map[string]int, rec []string) error {
		id := rec[col["fdc_id"]]
		if _, ok := names[id]; !ok {
			return nil
		}
		nutrientID, err := strconv.Atoi(rec[col["nutrient_id"]])
		if err != nil {
			return nil
		}
		amount, err := strconv.ParseFloat(rec[col["amount"]], 64)
		if err != nil || amount < 0 {
			return nil
		}

		f := facts[id]
		if f == nil {
			f = &nutrimind.NutritionFacts{}
			facts[id] = f
		}
		switch nutrientID {
		case nutrientKcal:
			f.Kcal = amount
			hasKcal[id] = true
		case nutrientProtein:
			f.ProteinG = amount
		case nutrientCarbs:
			f.CarbsG = amount
		case nutrientFats:
			f.FatsG = amount
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("parse %s: %w", nutrientPath, err)
	}

	foods := make([]corpus.ReferenceFood, 0, len(facts))
	for id, f := range facts {
		if !hasKcal[id] || !f.IsValid() {
			continue
		}
		foods = append(foods, corpus.ReferenceFood{
			ID:      id,
			Name:    names[id],
			Per100g: *f,
		})
	}

	sort.Slice(foods, func(i, j int) bool {
		a, _ := strconv.Atoi(foods[i].ID)
		b, _ := strconv.Atoi(foods[j].ID)
		if a != b {
			return a < b
		}
		return foods[i].ID < foods[j].ID
	})

	if limit > 0 && len(foods) > limit {
		foods = foods[:limit]
	}
	if len(foods) == 0 {
		return nil, fmt.Errorf("no usable foods after filtering")
	}
	return foods, nil
}

// forEachRecord streams a CSV file, resolving the header into a
// name-to-index map once.
func forEachRecord(path string, fn func(col map[string]int, rec []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(col, rec); err != nil {
			return err
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
