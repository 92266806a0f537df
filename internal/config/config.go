// Package config holds the YAML configuration of the server and the trainer.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Brownie44l1/fruit-api/internal/rate"
	"gopkg.in/yaml.v3"
)

const (
	// RuntimeNative serves a model trained by cmd/train.
	RuntimeNative = "native"
	// RuntimeONNX serves an exported ONNX model.
	RuntimeONNX = "onnx"

	defaultHTTPPort                = 8080
	defaultMonitoringPort          = 8081
	defaultModelPath               = "models"
	defaultAllowedOrigin           = "http://localhost:5173"
	defaultMaxUploadBytes          = 10 << 20
	defaultTopK                    = 5
	defaultCacheTTL                = 10 * time.Minute
	defaultCacheMaxSize            = 1024
	defaultGracefulShutdownTimeout = 30 * time.Second

	defaultDatasetRoot  = "fruits"
	defaultModelName    = "fruitclassifier"
	defaultBatchSize    = 64
	defaultEpochs       = 1
	defaultLearningRate = 1e-3
)

// ServerConfig is the configuration of the classification server.
type ServerConfig struct {
	HTTPPort       int `yaml:"httpPort"`
	MonitoringPort int `yaml:"monitoringPort"`

	Model ModelConfig `yaml:"model"`
	CORS  CORSConfig  `yaml:"cors"`

	// MaxUploadBytes caps the multipart body of /analyze.
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
	// TopK is the number of classes returned by /analyze.
	TopK int `yaml:"topK"`

	Cache     CacheConfig `yaml:"cache"`
	RateLimit rate.Config `yaml:"rateLimit"`
	Store     StoreConfig `yaml:"store"`

	// S3, when set, is where the model archive is downloaded from at startup.
	S3 *S3Config `yaml:"s3"`

	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
}

// ModelConfig selects and locates the model.
type ModelConfig struct {
	// Runtime is "native" (default) or "onnx".
	Runtime string `yaml:"runtime"`
	// Path is the model directory or zip archive for the native runtime.
	Path string `yaml:"path"`

	ONNX ONNXConfig `yaml:"onnx"`
}

// ONNXConfig locates an exported ONNX model.
type ONNXConfig struct {
	ModelPath         string `yaml:"modelPath"`
	MetadataPath      string `yaml:"metadataPath"`
	SharedLibraryPath string `yaml:"sharedLibraryPath"`
}

func (c *ModelConfig) validate() error {
	switch c.Runtime {
	case "":
		c.Runtime = RuntimeNative
		fallthrough
	case RuntimeNative:
		if c.Path == "" {
			c.Path = defaultModelPath
		}
	case RuntimeONNX:
		if c.ONNX.ModelPath == "" {
			return fmt.Errorf("onnx modelPath must be set")
		}
		if c.ONNX.MetadataPath == "" {
			return fmt.Errorf("onnx metadataPath must be set")
		}
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	return nil
}

// CORSConfig is the CORS configuration.
type CORSConfig struct {
	AllowedOrigin string `yaml:"allowedOrigin"`
}

// CacheConfig configures the prediction cache.
type CacheConfig struct {
	Enable  bool          `yaml:"enable"`
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"maxSize"`
}

func (c *CacheConfig) validate() error {
	if !c.Enable {
		return nil
	}
	if c.TTL == 0 {
		c.TTL = defaultCacheTTL
	} else if c.TTL < 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaultCacheMaxSize
	} else if c.MaxSize < 0 {
		return fmt.Errorf("maxSize must be greater than 0")
	}
	return nil
}

// StoreConfig configures the history database. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// S3Config is the S3 configuration.
type S3Config struct {
	EndpointURL string `yaml:"endpointUrl"`
	Region      string `yaml:"region"`
	Bucket      string `yaml:"bucket"`
	// Key is the object key of the model archive.
	Key string `yaml:"key"`
}

func (c *S3Config) validate() error {
	if c.Region == "" {
		return fmt.Errorf("s3 region must be set")
	}
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket must be set")
	}
	if c.Key == "" {
		return fmt.Errorf("s3 key must be set")
	}
	return nil
}

// Validate validates the configuration and fills in defaults.
func (c *ServerConfig) Validate() error {
	if c.HTTPPort == 0 {
		c.HTTPPort = defaultHTTPPort
	} else if c.HTTPPort < 0 {
		return fmt.Errorf("httpPort must be greater than 0")
	}
	if c.MonitoringPort == 0 {
		c.MonitoringPort = defaultMonitoringPort
	} else if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringPort must be greater than 0")
	}
	if c.MonitoringPort == c.HTTPPort {
		return fmt.Errorf("monitoringPort must differ from httpPort")
	}

	if err := c.Model.validate(); err != nil {
		return fmt.Errorf("model: %s", err)
	}

	if c.CORS.AllowedOrigin == "" {
		c.CORS.AllowedOrigin = defaultAllowedOrigin
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	} else if c.MaxUploadBytes < 0 {
		return fmt.Errorf("maxUploadBytes must be greater than 0")
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	} else if c.TopK < 0 {
		return fmt.Errorf("topK must be greater than 0")
	}

	if err := c.Cache.validate(); err != nil {
		return fmt.Errorf("cache: %s", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %s", err)
	}
	if c.S3 != nil {
		if err := c.S3.validate(); err != nil {
			return err
		}
	}

	if c.GracefulShutdownTimeout == 0 {
		c.GracefulShutdownTimeout = defaultGracefulShutdownTimeout
	} else if c.GracefulShutdownTimeout < 0 {
		return fmt.Errorf("gracefulShutdownTimeout must be greater than 0")
	}
	return nil
}

// TrainConfig is the configuration of the training run.
type TrainConfig struct {
	DatasetRoot string `yaml:"datasetRoot"`
	MaxDepth    int    `yaml:"maxDepth"`

	ModelDir  string `yaml:"modelDir"`
	ModelName string `yaml:"modelName"`

	BatchSize int `yaml:"batchSize"`
	Epochs    int `yaml:"epochs"`
	// SplitRatios are the relative sizes of the train and validation sets.
	SplitRatios []int  `yaml:"splitRatios"`
	Seed        uint64 `yaml:"seed"`

	// Optimizer is "adam" (default) or "sgd".
	Optimizer    string  `yaml:"optimizer"`
	LearningRate float32 `yaml:"learningRate"`

	// Parallelism bounds concurrent image decoding. 0 uses GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`

	Store StoreConfig `yaml:"store"`
	// S3, when set, receives the model archive after training.
	S3 *S3Config `yaml:"s3"`
}

// Validate validates the configuration and fills in defaults.
func (c *TrainConfig) Validate() error {
	if c.DatasetRoot == "" {
		c.DatasetRoot = defaultDatasetRoot
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("maxDepth must not be negative")
	}
	if c.ModelDir == "" {
		c.ModelDir = defaultModelPath
	}
	if c.ModelName == "" {
		c.ModelName = defaultModelName
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	} else if c.BatchSize < 0 {
		return fmt.Errorf("batchSize must be greater than 0")
	}
	if c.Epochs == 0 {
		c.Epochs = defaultEpochs
	} else if c.Epochs < 0 {
		return fmt.Errorf("epochs must be greater than 0")
	}
	if len(c.SplitRatios) == 0 {
		c.SplitRatios = []int{7, 3}
	} else if len(c.SplitRatios) != 2 {
		return fmt.Errorf("splitRatios must have two entries, got %v", c.SplitRatios)
	}
	for _, r := range c.SplitRatios {
		if r <= 0 {
			return fmt.Errorf("splitRatios must be positive, got %v", c.SplitRatios)
		}
	}
	switch c.Optimizer {
	case "":
		c.Optimizer = "adam"
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.LearningRate == 0 {
		c.LearningRate = defaultLearningRate
	} else if c.LearningRate < 0 {
		return fmt.Errorf("learningRate must be greater than 0")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if c.S3 != nil {
		if err := c.S3.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseServer parses the server configuration file at the given path. An
// empty path yields the zero configuration, which Validate fills with
// defaults.
func ParseServer(path string) (ServerConfig, error) {
	var config ServerConfig
	return config, parse(path, &config)
}

// ParseTrain parses the training configuration file at the given path. An
// empty path yields the zero configuration, which Validate fills with
// defaults.
func ParseTrain(path string) (TrainConfig, error) {
	var config TrainConfig
	err := parse(path, &config)
	return config, err
}

func parse(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read: %s", err)
	}
	if err = yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("config: unmarshal: %s", err)
	}
	return nil
}
