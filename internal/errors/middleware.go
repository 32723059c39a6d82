package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rise-platform/rise/internal/logger"
)

// ErrorHandler converts the last error attached to the Gin context into the
// API's JSON error body, logging 5xx at error level and 4xx at warn level.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		appErr, ok := err.Err.(*AppError)
		if !ok {
			appErr = FatalInternal(err.Err.Error())
		}

		log := logger.HTTP().With().Str("error_code", appErr.Code).Logger()
		if appErr.StatusCode >= 500 {
			log.Error().Str("details", appErr.Details).Msg(appErr.Message)
		} else {
			log.Warn().Msg(appErr.Message)
		}
		c.JSON(appErr.StatusCode, appErr.ToResponse())
	}
}

// Recovery recovers from a panic in a handler and reports it as a fatal
// internal error rather than crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.HTTP().Error().Interface("panic", r).Msg("recovered from panic")
				c.JSON(http.StatusInternalServerError, FatalInternal("internal error").ToResponse())
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError attaches err to the Gin context and writes its JSON response.
func HandleError(c *gin.Context, err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = FatalInternal(err.Error())
	}
	c.Error(appErr)
	c.JSON(appErr.StatusCode, appErr.ToResponse())
}

// AbortWithError attaches err and aborts the request immediately.
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
