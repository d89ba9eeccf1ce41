package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/deepsight/internal/catalog"
)

func registerCatalogRoutes(router *gin.Engine, cat *catalog.Catalog) {
	if cat == nil {
		return
	}

	router.GET("/conditions", func(c *gin.Context) {
		page, perPage, ok := pageParams(c)
		if !ok {
			return
		}
		items, window := cat.Page(page, perPage)
		c.JSON(http.StatusOK, gin.H{"items": items, "pagination": window})
	})

	router.GET("/conditions/:slug", func(c *gin.Context) {
		cond, ok := cat.Get(c.Param("slug"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "condition not found"})
			return
		}
		c.JSON(http.StatusOK, cond)
	})
}
