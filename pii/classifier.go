package pii

import "fmt"

const (
	ClassifierNameHTTP = "http_classifier"
	ClassifierNameONNX = "onnx_classifier"
)

// NewClassifierFunc builds a classifier from an opaque config map.
type NewClassifierFunc func(config map[string]interface{}) (Classifier, error)

var classifierFactories = make(map[string]NewClassifierFunc)

// RegisterClassifierFactory registers a named classifier backend.
func RegisterClassifierFactory(name string, factory NewClassifierFunc) {
	classifierFactories[name] = factory
}

// NewClassifier builds the named classifier backend.
func NewClassifier(name string, config map[string]interface{}) (Classifier, error) {
	factory, ok := classifierFactories[name]
	if !ok {
		return nil, fmt.Errorf("classifier factory not found for name: %s", name)
	}
	return factory(config)
}

func init() {
	RegisterClassifierFactory(ClassifierNameHTTP, func(config map[string]interface{}) (Classifier, error) {
		baseURL, ok := config["base_url"].(string)
		if !ok {
			return nil, fmt.Errorf("base_url is required for HTTP classifier")
		}
		return NewHTTPClassifier(baseURL), nil
	})

	RegisterClassifierFactory(ClassifierNameONNX, func(config map[string]interface{}) (Classifier, error) {
		modelPath, ok := config["model_path"].(string)
		if !ok {
			return nil, fmt.Errorf("model_path is required for ONNX classifier")
		}
		tokenizerPath, ok := config["tokenizer_path"].(string)
		if !ok {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX classifier")
		}
		return NewONNXClassifier(modelPath, tokenizerPath)
	})
}
