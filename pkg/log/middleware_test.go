package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "v=1", redactQuery("v=1"))
	assert.Equal(t, "token=%5Bredacted%5D&v=1", redactQuery("v=1&token=secret"))
	assert.Equal(t, "[unparsable]", redactQuery("v=%zz"))
}

func TestGinExtensionHidesTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var out bytes.Buffer
	router := gin.New()
	router.Use(LoggerGinExtension(NewWithWriter("test", &out)))
	router.GET("/", func(gctx *gin.Context) { gctx.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?v=0&token=secret", nil))

	assert.Contains(t, out.String(), "GET")
	assert.NotContains(t, out.String(), "secret")
}
