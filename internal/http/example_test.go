package http_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/sessionbridge/internal/http"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote/handler"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
	"github.com/fyrsmithlabs/sessionbridge/internal/store"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// ExampleServer demonstrates how to host the session endpoint.
func ExampleServer() {
	logger := zap.NewNop()

	// Keys the remote app may write, and how their values are encoded
	keys := serializer.NewJSONSerializer(logger)
	serializer.Register[string](keys, "user")
	chain := serializer.NewChain(logger, keys)
	codec := wire.NewCodec(chain, logger, wire.Options{})

	// Live sessions and the table of sessions held by remote writers
	sessions := store.NewMemory(store.Options{Deserializer: chain}, logger)
	locks := handler.NewLockTable(codec, nil, nil, logger)
	routes := handler.New(sessions, locks, codec, logger, handler.Options{EnableSingleConnection: true})

	cfg := &httpserver.Config{
		Host: "127.0.0.1",
		Port: 0,
		H2C:  true,
	}

	server, err := httpserver.NewServer(routes, logger, cfg, httpserver.Deps{Sessions: sessions, Locks: locks})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
