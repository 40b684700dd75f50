// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the gateway's HTTP surface onto a gin router.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spectraflex/omnichat/services/gateway/handlers"
	"github.com/spectraflex/omnichat/services/gateway/session"
)

// Register mounts health, metrics, and the chat websocket.
func Register(router *gin.Engine, store session.Store, deps *handlers.ChatDeps) {
	router.GET("/health", handlers.Health(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", handlers.ChatWebsocket(deps))
	}
}
