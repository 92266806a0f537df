package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/fruit-api/internal/artifact"
	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/Brownie44l1/fruit-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadTarget(t *testing.T) {
	tcs := []struct {
		modelPath string
		key       string
		want      string
	}{
		{modelPath: "models", key: "fruit/fruitclassifier.zip", want: filepath.Join("models", "fruitclassifier.zip")},
		{modelPath: "/srv/model.zip", key: "fruit/fruitclassifier.zip", want: "/srv/model.zip"},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.want, downloadTarget(tc.modelPath, tc.key))
	}
}

func TestNewPredictorMissingModel(t *testing.T) {
	_, err := newPredictor(config.ModelConfig{Runtime: config.RuntimeNative, Path: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestUnpackModel(t *testing.T) {
	synset := []string{"apple", "banana"}
	net := model.New(len(synset))
	_, err := net.InitializeSeeded(model.InputShape(1), 1)
	require.NoError(t, err)
	paths, err := artifact.Save(filepath.Join(t.TempDir(), "build"), model.Name, 3, net.Params(), synset, map[string]string{"Epoch": "3"})
	require.NoError(t, err)

	modelDir := t.TempDir()
	archive := downloadTarget(modelDir, "fruit/"+artifact.ZipFileName(model.Name))
	data, err := os.ReadFile(paths.Zip)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, data, 0644))

	// Leftovers from an earlier deployment are removed.
	stale := filepath.Join(modelDir, model.Name, artifact.ParamsFileName(model.Name, 9))
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	dir, err := unpackModel(archive, modelDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(modelDir, model.Name), dir)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(dir, artifact.ParamsFileName(model.Name, 3)))

	p, err := newPredictor(config.ModelConfig{Runtime: config.RuntimeNative, Path: dir})
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, synset, p.Synset())

	_, err = unpackModel(filepath.Join(modelDir, "missing.zip"), modelDir)
	assert.Error(t, err)
}
