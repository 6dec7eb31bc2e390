//go:build onnx

// Package onnx embeds text with a local all-MiniLM-L6-v2 model through ONNX
// Runtime. Built behind the "onnx" tag because it needs the onnxruntime
// shared library at run time.
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	muninn "github.com/muninn-ai/muninn-go"
)

// maxLen is the token sequence length, standard for MiniLM.
const maxLen = 128

// Config configures the ONNX embedder. Zero-value fields fall back to the
// MUNINN_ONNX_MODEL, MUNINN_ONNX_TOKENIZER and ONNXRUNTIME_LIB environment
// variables.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// LibraryPath locates the onnxruntime shared library. Empty leaves the
	// loader default in place.
	LibraryPath string

	// ModelName is reported through Model for statistics output.
	ModelName string

	// Dimensions is the embedding vector size.
	Dimensions int
}

func (c *Config) applyDefaults() {
	if c.ModelPath == "" {
		c.ModelPath = os.Getenv("MUNINN_ONNX_MODEL")
	}
	if c.TokenizerPath == "" {
		c.TokenizerPath = os.Getenv("MUNINN_ONNX_TOKENIZER")
	}
	if c.LibraryPath == "" {
		c.LibraryPath = os.Getenv("ONNXRUNTIME_LIB")
	}
	if c.ModelName == "" {
		c.ModelName = "all-MiniLM-L6-v2"
	}
	if c.Dimensions == 0 {
		c.Dimensions = 384
	}
}

// Embedder generates embeddings using ONNX Runtime. The model loads lazily
// on the first Embed call, never at construction, so opening a memory system
// stays cheap when no semantic writes happen. A failed load is retried on
// the next call.
type Embedder struct {
	cfg Config

	mu        sync.RWMutex
	session   *ort.DynamicAdvancedSession
	tokenizer *bertTokenizer
}

var _ muninn.Embedder = (*Embedder)(nil)

// New creates an ONNX embedder. No model files are touched here.
func New(cfg Config) *Embedder {
	cfg.applyDefaults()
	return &Embedder{cfg: cfg}
}

// ensureLoaded loads the tokenizer and model once. Concurrent callers during
// the first load serialize on the write lock; later calls take the read lock
// only.
func (e *Embedder) ensureLoaded(ctx context.Context) error {
	e.mu.RLock()
	loaded := e.session != nil
	e.mu.RUnlock()
	if loaded {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock
	if e.session != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.cfg.ModelPath == "" {
		return modelErr("model path is not set", nil)
	}
	if e.cfg.TokenizerPath == "" {
		return modelErr("tokenizer path is not set", nil)
	}

	if e.cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(e.cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return modelErr("initialize onnx runtime", err)
		}
	}

	tokenizer, err := loadBERTTokenizer(e.cfg.TokenizerPath)
	if err != nil {
		return modelErr("load tokenizer", err)
	}

	session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return modelErr("create onnx session", err)
	}

	e.tokenizer = tokenizer
	e.session = session
	log.Printf("[ONNX] Loaded %s (%d dims)", e.cfg.ModelName, e.cfg.Dimensions)
	return nil
}

// Embed converts text to an embedding vector, loading the model on first
// use.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return e.embedOne(text)
}

// EmbedBatch embeds texts in order. All-or-nothing: a single failure fails
// the whole batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.embedOne(text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, emb)
	}
	return embeddings, nil
}

func (e *Embedder) embedOne(text string) ([]float32, error) {
	tokens := e.tokenizer.Tokenize(text)

	inputIDs := make([]int64, maxLen)
	attentionMask := make([]int64, maxLen)
	tokenTypeIDs := make([]int64, maxLen)

	// [CLS] text... [SEP], truncated to the model's sequence length.
	inputIDs[0] = int64(e.tokenizer.clsToken)
	attentionMask[0] = 1

	tokenLen := len(tokens)
	if tokenLen > maxLen-2 {
		tokenLen = maxLen - 2
	}
	for i := 0; i < tokenLen; i++ {
		inputIDs[i+1] = tokens[i]
		attentionMask[i+1] = 1
	}
	endPos := tokenLen + 1
	inputIDs[endPos] = int64(e.tokenizer.sepToken)
	attentionMask[endPos] = 1

	shape := ort.NewShape(1, int64(maxLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, modelErr("create input_ids tensor", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, modelErr("create attention_mask tensor", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, modelErr("create token_type_ids tensor", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	// Outputs are auto-allocated by Run when passed as nil.
	inputs := []ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}
	outputs := []ort.Value{nil}

	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, modelErr("inference", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	if len(outputs) == 0 || outputs[0] == nil {
		return nil, modelErr("no output tensors returned", nil)
	}
	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, modelErr("unexpected output tensor type", nil)
	}

	embedding, err := e.pool(outputTensor, attentionMask)
	if err != nil {
		return nil, err
	}
	return normalize(embedding), nil
}

// pool reduces the model output to one vector. Handles both pre-pooled
// [1, dims] outputs and raw [1, seq, dims] hidden states, the latter via
// mean pooling over attended tokens.
func (e *Embedder) pool(out *ort.Tensor[float32], attentionMask []int64) ([]float32, error) {
	data := out.GetData()
	shape := out.GetShape()

	switch len(shape) {
	case 2:
		if len(data) < e.cfg.Dimensions {
			return nil, modelErr(fmt.Sprintf("output dimension mismatch: got %d, expected %d", len(data), e.cfg.Dimensions), nil)
		}
		embedding := make([]float32, e.cfg.Dimensions)
		copy(embedding, data[:e.cfg.Dimensions])
		return embedding, nil

	case 3:
		batchSize, seqLen, hiddenSize := shape[0], shape[1], shape[2]
		if batchSize != 1 {
			return nil, modelErr(fmt.Sprintf("expected batch size 1, got %d", batchSize), nil)
		}
		if hiddenSize != int64(e.cfg.Dimensions) {
			return nil, modelErr(fmt.Sprintf("hidden size mismatch: got %d, expected %d", hiddenSize, e.cfg.Dimensions), nil)
		}

		embedding := make([]float32, e.cfg.Dimensions)
		var attended float32
		for i := 0; i < int(seqLen); i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			offset := i * int(hiddenSize)
			for j := 0; j < int(hiddenSize); j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended == 0 {
			return nil, modelErr("no attended tokens", nil)
		}
		for j := range embedding {
			embedding[j] /= attended
		}
		return embedding, nil

	default:
		return nil, modelErr(fmt.Sprintf("unexpected output shape: %v", shape), nil)
	}
}

// Dimensions returns the embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Model identifies the underlying model.
func (e *Embedder) Model() string {
	return e.cfg.ModelName
}

// Close releases ONNX resources. Not safe while Embed calls are in flight.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	e.tokenizer = nil
	return err
}

func modelErr(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", muninn.ErrModelUnavailable, op)
	}
	return fmt.Errorf("%w: %s: %w", muninn.ErrModelUnavailable, op, err)
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}

// bertTokenizer handles BERT-style WordPiece tokenization.
type bertTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
}

// loadBERTTokenizer loads the vocabulary from a HuggingFace tokenizer.json.
func loadBERTTokenizer(path string) (*bertTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, err
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}

	return &bertTokenizer{
		vocab:    tokenizerData.Model.Vocab,
		clsToken: 101, // [CLS]
		sepToken: 102, // [SEP]
		unkToken: 100, // [UNK]
	}, nil
}

// Tokenize converts text to token IDs using BERT WordPiece tokenization.
func (t *bertTokenizer) Tokenize(text string) []int64 {
	text = strings.ToLower(text) // BERT uses lowercase
	words := strings.Fields(text)

	var tokens []int64
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}

		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}

		for _, subword := range t.wordPiece(word) {
			if id, ok := t.vocab[subword]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

// wordPiece splits a word into the longest matching vocabulary pieces,
// continuation pieces carrying the ## prefix.
func (t *bertTokenizer) wordPiece(word string) []string {
	var subwords []string
	start := 0

	for start < len(word) {
		end := len(word)
		found := false

		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}

		if !found {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}
	return subwords
}
