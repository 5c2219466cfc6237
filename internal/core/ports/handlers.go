package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	GetStats(c *gin.Context)
	GetStatistics(c *gin.Context)
	DebuggerDumpNow(c *gin.Context)
	ToggleAutoCapture(c *gin.Context)
	DumpStatsNow(c *gin.Context)
	TestEndpoint(c *gin.Context)
	TestConnection(c *gin.Context)
	ExportData(c *gin.Context)
	ClearData(c *gin.Context)
	GetSettings(c *gin.Context)
	UpdateSettings(c *gin.Context)
}
