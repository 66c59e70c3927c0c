package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/offlinekyc/internal/handlers"
)

func registerVerificationRoutes(api *gin.RouterGroup, handler *handlers.VerificationHandler) {
	if api == nil || handler == nil {
		return
	}

	ekyc := api.Group("/ekyc")
	{
		ekyc.POST("/verify/archive", handler.VerifyArchive)
		ekyc.POST("/verify/xml", handler.VerifyXML)
		ekyc.POST("/verify/qr", handler.VerifyQR)
		ekyc.POST("/validate/number", handler.ValidateNumber)
	}

	records := ekyc.Group("/verifications")
	{
		records.GET("", handler.List)
		records.GET("/:id", handler.Get)
		records.GET("/:id/logs", handler.Logs)
		records.GET("/:id/demographics", handler.Demographics)
		records.GET("/:id/receipt.png", handler.Receipt)
	}
}
