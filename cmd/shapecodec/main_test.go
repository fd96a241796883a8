package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shapecodec/internal/shape/shapetest"
	"shapecodec/internal/shape/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SHAPECODEC_TEST_VALUE", "set")
	assert.Equal(t, "set", getEnv("SHAPECODEC_TEST_VALUE", "default"))
	assert.Equal(t, "default", getEnv("SHAPECODEC_TEST_UNSET", "default"))

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"no", false},
	}
	for _, tt := range tests {
		t.Setenv("SHAPECODEC_TEST_BOOL", tt.value)
		assert.Equal(t, tt.want, getEnvBool("SHAPECODEC_TEST_BOOL", !tt.want), tt.value)
	}
	assert.True(t, getEnvBool("SHAPECODEC_TEST_BOOL_UNSET", true))
}

func TestServer_StartWithMemoryStorage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topics.yaml"), []byte(shapetest.Document), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	srv := &server{cfg: config{HTTPAddr: ":0", ShapeBucket: "SHAPES", ConfigBucket: "CONFIG", SchemaDir: dir}}
	require.NoError(t, srv.start())
	defer srv.stopWatch()
	assert.Nil(t, srv.rpc)

	req := httptest.NewRequest(http.MethodPost, "/encode/query/Tag", strings.NewReader(`{"Key":"k"}`))
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Key=k", w.Body.String())

	// catalog writes reach the engine through the watch
	_, err := srv.catalog.PutShape(types.Shape{Name: "Endpoint", Fields: []types.Field{
		{Name: "Url", TypeRef: types.TypeRef{Kind: types.String}},
	}})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := srv.engine.Registry().Lookup("Endpoint")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_StartRejectsBadSchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"shapes": [{"name": "X"}]}`), 0o644))

	srv := &server{cfg: config{ShapeBucket: "SHAPES", ConfigBucket: "CONFIG", SchemaDir: dir}}
	assert.Error(t, srv.start())

	srv = &server{cfg: config{ShapeBucket: "SHAPES", ConfigBucket: "CONFIG", SchemaDir: filepath.Join(dir, "missing")}}
	assert.Error(t, srv.start())
}
