package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

// ONNXClassifier runs token classification in-process. Because the tokenizer
// reports character offsets, tokens from this backend let the locator skip
// substring alignment entirely.
type ONNXClassifier struct {
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[string]string
	numLabels    int
	modelPath    string
}

// minTokenConfidence is the softmax cutoff below which a token's label is
// treated as "O".
const minTokenConfidence = 0.5

// safeUintToInt converts a uint to int with overflow clamping.
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - bounds checked above
		return int(val)
	}
	return maxInt
}

// NewONNXClassifier loads the model, tokenizer, and label mapping. The
// inference session is created lazily on first use.
func NewONNXClassifier(modelPath, tokenizerPath string) (*ONNXClassifier, error) {
	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}
	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, err := loadLabelMapping(filepath.Join(filepath.Dir(modelPath), "label_mappings.json"))
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close tokenizer during cleanup: %v\n", closeErr)
		}
		return nil, err
	}

	numLabels := 0
	for idStr := range id2label {
		if idStr == "-100" {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err == nil && id >= numLabels {
			numLabels = id + 1
		}
	}
	if numLabels == 0 {
		numLabels = len(id2label)
	}

	return &ONNXClassifier{
		tokenizer: tk,
		id2label:  id2label,
		numLabels: numLabels,
		modelPath: modelPath,
	}, nil
}

func loadLabelMapping(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path derives from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to load label mapping: %w", err)
	}
	var config struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse label mapping: %w", err)
	}
	return config.ID2Label, nil
}

// Name returns the backend name.
func (c *ONNXClassifier) Name() string {
	return ClassifierNameONNX
}

// Classify tokenizes the text, runs inference, and returns one RawToken per
// input token with its argmax label, softmax confidence, and character
// offsets.
func (c *ONNXClassifier) Classify(ctx context.Context, text string) ([]RawToken, error) {
	if c.session == nil {
		if err := c.initializeSession(); err != nil {
			return nil, fmt.Errorf("failed to initialize session: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoding := c.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnOffsets())
	tokenIDs := encoding.IDs

	inputIDs := make([]int64, len(tokenIDs))
	attentionMask := make([]int64, len(tokenIDs))
	for i := range tokenIDs {
		inputIDs[i] = int64(tokenIDs[i])
		attentionMask[i] = 1
	}
	c.updateInputTensors(inputIDs, attentionMask)

	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	return c.collectTokens(text, len(tokenIDs), encoding.Offsets), nil
}

// collectTokens converts per-token logits into RawTokens with offsets.
func (c *ONNXClassifier) collectTokens(text string, numTokens int, offsets []tokenizers.Offset) []RawToken {
	outputData := c.outputTensor.GetData()
	if len(offsets) < numTokens {
		numTokens = len(offsets)
	}

	tokens := make([]RawToken, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		startIdx := i * c.numLabels
		endIdx := (i + 1) * c.numLabels
		if endIdx > len(outputData) {
			break
		}
		logits := outputData[startIdx:endIdx]

		maxLogit := float64(-math.MaxFloat64)
		bestClass := 0
		for j, logit := range logits {
			if float64(logit) > maxLogit {
				maxLogit = float64(logit)
				bestClass = j
			}
		}

		label, exists := c.id2label[fmt.Sprintf("%d", bestClass)]
		if !exists {
			label = "O"
		}

		// Softmax over the token's logits.
		var sum float64
		for _, logit := range logits {
			sum += math.Exp(float64(logit))
		}
		confidence := math.Exp(maxLogit) / sum
		if confidence < minTokenConfidence {
			label = "O"
		}

		start := safeUintToInt(offsets[i][0])
		end := safeUintToInt(offsets[i][1])
		if start > len(text) || end > len(text) || start > end {
			continue
		}

		tokens = append(tokens, RawToken{
			Label:     label,
			Text:      text[start:end],
			Score:     confidence,
			Index:     i,
			StartPos:  start,
			EndPos:    end,
			HasOffset: true,
		})
	}
	return tokens
}

// initializeSession creates the ONNX session and its tensors.
func (c *ONNXClassifier) initializeSession() error {
	maxSeqLen := int64(512)
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		destroyTensors(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, maxSeqLen, int64(c.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyTensors(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(c.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyTensors(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	c.session = session
	c.inputTensor = inputTensor
	c.maskTensor = maskTensor
	c.outputTensor = outputTensor
	return nil
}

func destroyTensors(tensors ...onnxruntime.Value) {
	for _, t := range tensors {
		if err := t.Destroy(); err != nil {
			fmt.Printf("Warning: failed to destroy tensor during cleanup: %v\n", err)
		}
	}
}

// updateInputTensors zeroes and refills the input tensors.
func (c *ONNXClassifier) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := c.inputTensor.GetData()
	maskData := c.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}
	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close releases the session, tensors, and tokenizer.
func (c *ONNXClassifier) Close() error {
	var errs []error

	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
	}
	if c.inputTensor != nil {
		if err := c.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
	}
	if c.maskTensor != nil {
		if err := c.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
	}
	if c.outputTensor != nil {
		if err := c.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
	}
	if c.tokenizer != nil {
		if err := c.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
