package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"shapecodec/internal/catalog"
	"shapecodec/internal/codec"
	"shapecodec/internal/codec/apierror"
	"shapecodec/internal/codec/formats/avro"
	"shapecodec/internal/codec/formats/protobuf"
	"shapecodec/internal/engine"
	"shapecodec/internal/shape"
	"shapecodec/internal/shape/types"

	"github.com/aws/smithy-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protodesc"
)

const (
	contentTypeAPI = "application/vnd.shapecodec.v1+json"

	// RequestIDHeader carries the request id in both directions
	RequestIDHeader = "X-Request-Id"

	// ErrorTypeHeader carries the error code of an awsJson error response
	ErrorTypeHeader = "X-Amzn-Errortype"
)

var wireContentTypes = map[types.Protocol]string{
	types.JSON:     "application/x-amz-json-1.1",
	types.Query:    "application/x-www-form-urlencoded; charset=utf-8",
	types.Avro:     "application/avro",
	types.Protobuf: "application/x-protobuf",
}

// ErrorResponse represents an error message
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// VersionResponse returns the version a definition was stored under
type VersionResponse struct {
	Version int `json:"version"`
}

// ConfigRequest updates compatibility.
type ConfigRequest struct {
	Compatibility string `json:"compatibility"`
}

// ConfigResponse returns compatibility.
type ConfigResponse struct {
	CompatibilityLevel string `json:"compatibilityLevel"`
}

// ReloadResponse describes the registry now being served
type ReloadResponse struct {
	Shapes     int      `json:"shapes"`
	Enums      int      `json:"enums"`
	Protocols  []string `json:"protocols"`
	Operations []string `json:"operations,omitempty"`
}

// ServiceErrorResponse is the resolved form of a wire error response
type ServiceErrorResponse struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Fault     string          `json:"fault"`
	Matched   bool            `json:"matched"`
	Shape     string          `json:"shape,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// API serves the catalog and the codec engine over HTTP
type API struct {
	catalog *catalog.Catalog
	engine  *engine.Engine
}

// New creates the HTTP handlers
func New(cat *catalog.Catalog, eng *engine.Engine) *API {
	return &API{catalog: cat, engine: eng}
}

// SetupRouter creates and configures a Gin router with all routes
func (a *API) SetupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Wire payloads keep the content type of their protocol
	r.POST("/encode/:protocol/:shape", a.encode)
	r.POST("/decode/:protocol/:shape", a.decode)

	api := r.Group("/")
	api.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", contentTypeAPI)
		c.Next()
	})
	{
		api.POST("/errors/:protocol/:operation", a.resolveError)

		api.GET("/protocols", a.listProtocols)
		api.GET("/descriptor", a.descriptor)
		api.POST("/import", a.importDocument)
		api.POST("/reload", a.reload)

		api.GET("/shapes", a.listShapes)
		api.GET("/shapes/:name/versions", a.listVersions)
		api.POST("/shapes/:name/versions", a.putShape)
		api.GET("/shapes/:name/versions/:version", a.getShape)
		api.DELETE("/shapes/:name/versions/:version", a.deleteShapeVersion)
		api.DELETE("/shapes/:name", a.deleteShape)
		api.GET("/shapes/:name/avro", a.avroSchema)

		api.GET("/enums", a.listEnums)
		api.GET("/enums/:name/versions", a.listEnumVersions)
		api.POST("/enums/:name/versions", a.putEnum)
		api.GET("/enums/:name/versions/:version", a.getEnum)

		api.GET("/operations", a.listOperations)
		api.GET("/operations/:name", a.getOperation)
		api.PUT("/operations/:name", a.putOperation)
		api.DELETE("/operations/:name", a.deleteOperation)

		api.GET("/config", a.getConfig)
		api.PUT("/config", a.updateConfig)
		api.GET("/config/:name", a.getConfig)
		api.PUT("/config/:name", a.updateConfig)
	}

	return r
}

// Routes returns the router as an http.Handler
func (a *API) Routes() http.Handler {
	return a.SetupRouter()
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// fail maps an error to a status and error code and writes it
func fail(c *gin.Context, err error) {
	var (
		unknown      *shape.UnknownShapeError
		incompatible *catalog.IncompatibleError
		encErr       *codec.EncodingError
		decErr       *codec.DecodingError
		enumErr      *codec.InvalidEnumValueError
	)

	status, code := http.StatusInternalServerError, 50000
	switch {
	case errors.As(err, &unknown):
		status, code = http.StatusNotFound, 40401
	case errors.Is(err, catalog.ErrNotFound):
		status, code = http.StatusNotFound, 40402
	case errors.Is(err, engine.ErrUnknownProtocol):
		status, code = http.StatusNotFound, 40403
	case errors.As(err, &incompatible):
		status, code = http.StatusConflict, 40901
	case errors.As(err, &enumErr):
		status, code = http.StatusUnprocessableEntity, 42203
	case errors.As(err, &encErr):
		status, code = http.StatusUnprocessableEntity, 42201
	case errors.As(err, &decErr):
		status, code = http.StatusUnprocessableEntity, 42202
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "requestID", c.GetString("requestID"), "error", err)
	} else {
		slog.Debug("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, ErrorResponse{ErrorCode: code, Message: err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{ErrorCode: 40001, Message: message})
}

func (a *API) encode(c *gin.Context) {
	protocol := types.Protocol(c.Param("protocol"))
	shapeName := c.Param("shape")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}

	rec, err := a.engine.Decode(types.JSON, shapeName, body, engine.DecodeOptions{})
	if err != nil {
		fail(c, err)
		return
	}
	if rec == nil {
		badRequest(c, "record must be a JSON object")
		return
	}

	data, err := a.engine.Encode(protocol, shapeName, rec)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Length", strconv.Itoa(len(data)))
	c.Data(http.StatusOK, wireContentTypes[protocol], data)
}

func (a *API) decode(c *gin.Context) {
	protocol := types.Protocol(c.Param("protocol"))
	shapeName := c.Param("shape")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}

	rec, err := a.engine.Decode(protocol, shapeName, body, engine.DecodeOptions{ResultWrapper: c.Query("wrapper")})
	if err != nil {
		fail(c, err)
		return
	}

	out := []byte("null")
	if rec != nil {
		if out, err = a.engine.Encode(types.JSON, shapeName, rec); err != nil {
			fail(c, err)
			return
		}
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (a *API) resolveError(c *gin.Context) {
	protocol := types.Protocol(c.Param("protocol"))
	operation := c.Param("operation")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}

	resolved := a.engine.ResolveError(protocol, operation, c.GetHeader(ErrorTypeHeader), body)
	var apiErr smithy.APIError
	if !errors.As(resolved, &apiErr) {
		fail(c, resolved)
		return
	}

	resp := ServiceErrorResponse{
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Fault:   apiErr.ErrorFault().String(),
	}
	var svcErr *apierror.ServiceError
	if errors.As(resolved, &svcErr) {
		resp.Matched = true
		resp.Shape = svcErr.Shape
		resp.RequestID = svcErr.RequestID
		if svcErr.Shape != "" && svcErr.Fields != nil {
			fields, err := a.engine.Encode(types.JSON, svcErr.Shape, svcErr.Fields)
			if err != nil {
				fail(c, err)
				return
			}
			resp.Fields = fields
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) listProtocols(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Protocols())
}

func (a *API) descriptor(c *gin.Context) {
	f, err := a.engine.Format(types.Protobuf)
	if err != nil {
		fail(c, err)
		return
	}
	pf, ok := f.(*protobuf.Format)
	if !ok {
		fail(c, fmt.Errorf("protobuf format has type %T", f))
		return
	}
	data, err := protojson.Marshal(protodesc.ToFileDescriptorProto(pf.Descriptor()))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, contentTypeAPI, data)
}

func (a *API) importDocument(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	doc, err := shape.ParseDocument(body)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{ErrorCode: 42204, Message: err.Error()})
		return
	}
	if err := a.catalog.Import(doc); err != nil {
		fail(c, err)
		return
	}
	a.reload(c)
}

func (a *API) reload(c *gin.Context) {
	r, err := a.catalog.Snapshot()
	if err != nil {
		fail(c, err)
		return
	}
	if err := a.engine.Swap(r); err != nil {
		fail(c, err)
		return
	}

	protocols := a.engine.Protocols()
	resp := ReloadResponse{
		Shapes:    len(r.Names()),
		Enums:     len(r.EnumNames()),
		Protocols: make([]string, 0, len(protocols)),
	}
	for _, p := range protocols {
		resp.Protocols = append(resp.Protocols, string(p))
	}
	slog.Info("Registry reloaded", "shapes", resp.Shapes, "enums", resp.Enums)
	c.JSON(http.StatusOK, resp)
}

func (a *API) listShapes(c *gin.Context) {
	names, err := a.catalog.ListShapes()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (a *API) listVersions(c *gin.Context) {
	versions, err := a.catalog.Versions(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (a *API) putShape(c *gin.Context) {
	var s types.Shape
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	s.Name = c.Param("name")

	v, err := a.catalog.PutShape(s)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

func (a *API) getShape(c *gin.Context) {
	s, err := a.catalog.GetShape(c.Param("name"), c.Param("version"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) deleteShapeVersion(c *gin.Context) {
	v, err := a.catalog.DeleteShapeVersion(c.Param("name"), c.Param("version"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (a *API) deleteShape(c *gin.Context) {
	versions, err := a.catalog.DeleteShape(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// avroSchema exports the Avro schema of a shape in the registry being served
func (a *API) avroSchema(c *gin.Context) {
	data, err := avro.New(a.engine.Registry()).SchemaJSON(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, contentTypeAPI, data)
}

func (a *API) listEnums(c *gin.Context) {
	names, err := a.catalog.ListEnums()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (a *API) listEnumVersions(c *gin.Context) {
	versions, err := a.catalog.EnumVersions(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (a *API) putEnum(c *gin.Context) {
	var e types.EnumShape
	if err := c.ShouldBindJSON(&e); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	e.Name = c.Param("name")

	v, err := a.catalog.PutEnum(e)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

func (a *API) getEnum(c *gin.Context) {
	e, err := a.catalog.GetEnum(c.Param("name"), c.Param("version"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (a *API) listOperations(c *gin.Context) {
	names, err := a.catalog.ListOperations()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (a *API) getOperation(c *gin.Context) {
	op, err := a.catalog.GetOperation(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (a *API) putOperation(c *gin.Context) {
	var op types.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		badRequest(c, "invalid JSON")
		return
	}
	op.Name = c.Param("name")

	if err := a.catalog.PutOperation(op); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (a *API) deleteOperation(c *gin.Context) {
	if err := a.catalog.DeleteOperation(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, c.Param("name"))
}

// configName maps the optional :name parameter to the catalog config key
func configName(c *gin.Context) string {
	if name := c.Param("name"); name != "" {
		return name
	}
	return catalog.Global
}

func (a *API) getConfig(c *gin.Context) {
	level, err := a.catalog.GetCompatibilityLevel(configName(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ConfigResponse{CompatibilityLevel: string(level)})
}

func (a *API) updateConfig(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON")
		return
	}

	level := types.CompatibilityLevel(req.Compatibility)
	if !level.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			ErrorCode: 42205,
			Message:   fmt.Sprintf("invalid compatibility level: %s", req.Compatibility),
		})
		return
	}
	if err := a.catalog.SetCompatibilityLevel(configName(c), level); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ConfigResponse{CompatibilityLevel: req.Compatibility})
}
