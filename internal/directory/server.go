package directory

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"e2ee/internal/domain"
	"e2ee/internal/logging"
)

const maxBody = 1 << 20

type devicesResponse struct {
	Devices []domain.DeviceID `json:"devices"`
}

type countResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a KeyDirectory over HTTP.
type Server struct {
	dir    domain.KeyDirectory
	engine *gin.Engine
	log    *logrus.Entry
}

// NewServer routes the directory API onto dir.
func NewServer(dir domain.KeyDirectory) *Server {
	s := &Server{dir: dir, engine: gin.New(), log: logging.For("directory-http")}
	s.engine.Use(gin.Recovery(), s.logRequests)

	v1 := s.engine.Group("/v1")
	v1.PUT("/devices/:user/:device", s.publish)
	v1.GET("/devices/:user/:device/bundle", s.fetch)
	v1.POST("/devices/:user/:device/prekeys", s.replenish)
	v1.GET("/devices/:user/:device/prekeys/count", s.count)
	v1.PUT("/devices/:user/:device/signed-prekey", s.rotate)
	v1.GET("/users/:user/devices", s.devices)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start).String(),
	}).Debug("request")
}

// PUT /v1/devices/:user/:device
func (s *Server) publish(c *gin.Context) {
	var keys domain.PublishedKeys
	if !s.bind(c, &keys) {
		return
	}
	if err := s.dir.PublishKeyBundle(c.Request.Context(), address(c), keys); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/devices/:user/:device/bundle
func (s *Server) fetch(c *gin.Context) {
	a := address(c)
	b, err := s.dir.FetchKeyBundle(c.Request.Context(), a.User, a.Device)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /v1/devices/:user/:device/prekeys
func (s *Server) replenish(c *gin.Context) {
	var keys []domain.OneTimePreKeyPublic
	if !s.bind(c, &keys) {
		return
	}
	if err := s.dir.ReplenishOneTimePreKeys(c.Request.Context(), address(c), keys); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/devices/:user/:device/prekeys/count
func (s *Server) count(c *gin.Context) {
	n, err := s.dir.OneTimePreKeyCount(c.Request.Context(), address(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, countResponse{Count: n})
}

// PUT /v1/devices/:user/:device/signed-prekey
func (s *Server) rotate(c *gin.Context) {
	var spk domain.SignedPreKeyPublic
	if !s.bind(c, &spk) {
		return
	}
	if err := s.dir.RotateSignedPreKey(c.Request.Context(), address(c), spk); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/users/:user/devices
func (s *Server) devices(c *gin.Context) {
	ds, err := s.dir.ListDevices(c.Request.Context(), domain.UserID(c.Param("user")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, devicesResponse{Devices: ds})
}

func address(c *gin.Context) domain.Address {
	return domain.Address{
		User:   domain.UserID(c.Param("user")),
		Device: domain.DeviceID(c.Param("device")),
	}
}

func (s *Server) bind(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSignature):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ErrStaleSignedPreKey):
		code = http.StatusConflict
	case errors.Is(err, errBadAddress):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("directory operation failed")
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: err.Error()})
}
