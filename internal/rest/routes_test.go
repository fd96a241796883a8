package rest

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"shapecodec/internal/catalog"
	"shapecodec/internal/engine"
	"shapecodec/internal/shape"
	"shapecodec/internal/shape/shapetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	os.Exit(m.Run())
}

func setupRouter(t *testing.T) http.Handler {
	cat := catalog.New(catalog.NewMemoryKeyValue("SHAPES"), catalog.NewMemoryKeyValue("CONFIG"))
	doc, err := shape.ParseDocument([]byte(shapetest.Document))
	require.NoError(t, err)
	require.NoError(t, cat.Import(doc))

	r, err := cat.Snapshot()
	require.NoError(t, err)
	eng, err := engine.New(r)
	require.NoError(t, err)

	return New(cat, eng).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ErrorCode
}

func TestRoutes_Encode(t *testing.T) {
	h := setupRouter(t)

	tests := []struct {
		name        string
		path        string
		body        string
		status      int
		contentType string
		want        string
		errorCode   int
	}{
		{
			name:        "json",
			path:        "/encode/json/Tag",
			body:        `{"Value":"v","Key":"k"}`,
			status:      http.StatusOK,
			contentType: "application/x-amz-json-1.1",
			want:        `{"Key":"k","Value":"v"}`,
		},
		{
			name:        "query",
			path:        "/encode/query/Tag",
			body:        `{"Key":"a b","Value":"c"}`,
			status:      http.StatusOK,
			contentType: "application/x-www-form-urlencoded; charset=utf-8",
			want:        "Key=a+b&Value=c",
		},
		{
			name:      "unknown shape",
			path:      "/encode/json/Nope",
			body:      `{}`,
			status:    http.StatusNotFound,
			errorCode: 40401,
		},
		{
			name:      "unknown protocol",
			path:      "/encode/thrift/Tag",
			body:      `{"Key":"k"}`,
			status:    http.StatusNotFound,
			errorCode: 40403,
		},
		{
			name:      "missing required field",
			path:      "/encode/json/Tag",
			body:      `{"Value":"v"}`,
			status:    http.StatusUnprocessableEntity,
			errorCode: 42201,
		},
		{
			name:      "invalid enum",
			path:      "/encode/json/CreateTopicResult",
			body:      `{"Status":"GONE"}`,
			status:    http.StatusUnprocessableEntity,
			errorCode: 42203,
		},
		{
			name:      "malformed record",
			path:      "/encode/json/Tag",
			body:      `{"Key":`,
			status:    http.StatusUnprocessableEntity,
			errorCode: 42202,
		},
		{
			name:      "not an object",
			path:      "/encode/json/Tag",
			body:      `[1]`,
			status:    http.StatusBadRequest,
			errorCode: 40001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.errorCode != 0 {
				assert.Equal(t, tt.errorCode, errorCode(t, w))
				return
			}
			assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
			assert.Equal(t, tt.want, w.Body.String())
			assert.Equal(t, len(tt.want), int(w.Result().ContentLength))
		})
	}
}

func TestRoutes_EncodeDecodeBinary(t *testing.T) {
	h := setupRouter(t)
	record := `{"Name":"orders","Tags":[{"Key":"env","Value":"prod"}],"Status":"ACTIVE","Count":3}`

	for _, protocol := range []string{"avro", "protobuf", "json", "query"} {
		t.Run(protocol, func(t *testing.T) {
			enc := do(t, h, http.MethodPost, "/encode/"+protocol+"/Topic", record)
			require.Equal(t, http.StatusOK, enc.Code, enc.Body.String())

			dec := do(t, h, http.MethodPost, "/decode/"+protocol+"/Topic", enc.Body.String())
			require.Equal(t, http.StatusOK, dec.Code, dec.Body.String())
			assert.JSONEq(t, record, dec.Body.String())
		})
	}
}

func TestRoutes_DecodeXMLWithWrapper(t *testing.T) {
	h := setupRouter(t)
	body := `<CreateTopicResponse xmlns="http://sns.amazonaws.com/doc/2010-03-31/">
  <CreateTopicResult><TopicArn>arn:aws:sns:us-east-1:123:orders</TopicArn></CreateTopicResult>
  <ResponseMetadata><RequestId>r-1</RequestId></ResponseMetadata>
</CreateTopicResponse>`

	w := do(t, h, http.MethodPost, "/decode/query/CreateTopicResult?wrapper=CreateTopicResult", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"TopicArn":"arn:aws:sns:us-east-1:123:orders"}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/decode/query/CreateTopicResult?wrapper=Other", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())
}

func TestRoutes_ResolveError(t *testing.T) {
	h := setupRouter(t)

	t.Run("json matched", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/errors/json/CreateTopic",
			`{"__type":"com.amazon#ConflictException","message":"exists","Type":"name"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp ServiceErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ConflictException", resp.Code)
		assert.Equal(t, "exists", resp.Message)
		assert.Equal(t, "client", resp.Fault)
		assert.True(t, resp.Matched)
		assert.Equal(t, "ConflictException", resp.Shape)
		assert.JSONEq(t, `{"message":"exists","Type":"name"}`, string(resp.Fields))
	})

	t.Run("json header code unmatched", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/errors/json/CreateTopic", `{"message":"slow down"}`,
			ErrorTypeHeader, "ThrottlingException:http://internal")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp ServiceErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ThrottlingException", resp.Code)
		assert.False(t, resp.Matched)
		assert.Empty(t, resp.Fields)
	})

	t.Run("xml", func(t *testing.T) {
		body := `<ErrorResponse><Error><Type>Receiver</Type><Code>InternalError</Code><Message>boom</Message></Error><RequestId>req-9</RequestId></ErrorResponse>`
		w := do(t, h, http.MethodPost, "/errors/query/CreateTopic", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp ServiceErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "InternalError", resp.Code)
		assert.Equal(t, "server", resp.Fault)
		assert.True(t, resp.Matched)
		assert.Equal(t, "req-9", resp.RequestID)
	})

	t.Run("unreadable body", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/errors/json/CreateTopic", `not json`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, 42202, errorCode(t, w))
	})
}

func TestRoutes_Catalog(t *testing.T) {
	h := setupRouter(t)

	w := do(t, h, http.MethodGet, "/shapes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contentTypeAPI, w.Header().Get("Content-Type"))
	var names []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &names))
	assert.Contains(t, names, "Topic")

	w = do(t, h, http.MethodPost, "/shapes/Owner/versions",
		`{"fields":[{"name":"Id","kind":"string"},{"name":"DisplayName","kind":"string"},{"name":"Email","kind":"string"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"version":2}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/shapes/Owner/versions",
		`{"fields":[{"name":"Id","kind":"integer"}]}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, errorCode(t, w))

	w = do(t, h, http.MethodPost, "/shapes/Owner/versions", `{"fields":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/shapes/Owner/versions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[1,2]`, w.Body.String())

	w = do(t, h, http.MethodGet, "/shapes/Owner/versions/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sv catalog.ShapeVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sv))
	assert.Equal(t, 2, sv.Version)
	assert.Len(t, sv.Shape.Fields, 3)

	// the served registry changes only on reload
	w = do(t, h, http.MethodPost, "/encode/json/Owner", `{"Email":"a@b"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/reload", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reload ReloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reload))
	assert.Equal(t, 7, reload.Shapes)
	assert.Equal(t, []string{"avro", "json", "protobuf", "query"}, reload.Protocols)

	w = do(t, h, http.MethodPost, "/encode/json/Owner", `{"Email":"a@b"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"Email":"a@b"}`, w.Body.String())

	w = do(t, h, http.MethodDelete, "/shapes/Owner/versions/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/shapes/Owner/versions/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40402, errorCode(t, w))

	w = do(t, h, http.MethodDelete, "/shapes/Owner", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[2]`, w.Body.String())

	w = do(t, h, http.MethodGet, "/shapes/Owner/versions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Topic still refers to Owner
	w = do(t, h, http.MethodPost, "/reload", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, errorCode(t, w))
}

func TestRoutes_EnumsAndOperations(t *testing.T) {
	h := setupRouter(t)

	w := do(t, h, http.MethodPost, "/enums/TopicStatus/versions", `{"values":["ACTIVE","INACTIVE","DELETING","PENDING"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"version":2}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/enums/TopicStatus/versions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[1,2]`, w.Body.String())

	w = do(t, h, http.MethodGet, "/enums/TopicStatus/versions/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"DELETING"`)

	w = do(t, h, http.MethodGet, "/enums", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["TopicStatus"]`, w.Body.String())

	w = do(t, h, http.MethodPut, "/operations/DeleteTopic", `{"input":"Topic","errors":[{"code":"NotFound","fault":"client"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/operations/DeleteTopic", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"DeleteTopic","input":"Topic","errors":[{"code":"NotFound","fault":"client"}]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/operations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["CreateTopic","DeleteTopic"]`, w.Body.String())

	w = do(t, h, http.MethodDelete, "/operations/DeleteTopic", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodDelete, "/operations/DeleteTopic", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_Config(t *testing.T) {
	h := setupRouter(t)

	w := do(t, h, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"compatibilityLevel":"BACKWARD"}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/config/Topic", `{"compatibility":"NONE"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/config/Topic", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"compatibilityLevel":"NONE"}`, w.Body.String())

	w = do(t, h, http.MethodPut, "/config", `{"compatibility":"SIDEWAYS"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 42205, errorCode(t, w))

	w = do(t, h, http.MethodPut, "/config", `nope`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_ImportAndExports(t *testing.T) {
	h := setupRouter(t)

	doc := `
shapes:
  - name: Subscription
    fields:
      - {name: Endpoint, kind: string, required: true}
      - {name: Topic, kind: structure, shapeRef: Topic}
`
	w := do(t, h, http.MethodPost, "/import", doc)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reload ReloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reload))
	assert.Equal(t, 8, reload.Shapes)

	w = do(t, h, http.MethodPost, "/import", `shapes: [{name: X}]`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 42204, errorCode(t, w))

	w = do(t, h, http.MethodGet, "/shapes/Tag/avro", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var schema map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &schema))
	assert.Equal(t, "record", schema["type"])
	assert.Equal(t, "Tag", schema["name"])

	w = do(t, h, http.MethodGet, "/shapes/Nope/avro", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/descriptor", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"Subscription"`)

	w = do(t, h, http.MethodGet, "/protocols", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["avro","json","protobuf","query"]`, w.Body.String())
}

func TestRoutes_RequestIDAndMetrics(t *testing.T) {
	h := setupRouter(t)

	w := do(t, h, http.MethodGet, "/shapes", "")
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	w = do(t, h, http.MethodGet, "/shapes", "", RequestIDHeader, "given-id")
	assert.Equal(t, "given-id", w.Header().Get(RequestIDHeader))

	do(t, h, http.MethodPost, "/encode/json/Tag", `{"Key":"k"}`)
	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte("shapecodec_calls_total")))
}
