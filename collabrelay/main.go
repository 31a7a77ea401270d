package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
	"github.com/bringyour/collab/collab/relay"
)

const CollabRelayVersion = "0.0.1"

func usage() string {
	return `Collab relay.

Without --redis_addr the relay runs as a single instance.
With --redis_addr every relay instance sharing the redis relays to every other.

Usage:
    collabrelay [--port=<port>] [--redis_addr=<redis_addr>] [--jwt_key=<jwt_key>]
        [--history_capacity=<history_capacity>]
        [--concurrency_window_ms=<concurrency_window_ms>]
        [--log_level=<log_level>]

Options:
    -h --help                                         Show this screen.
    --version                                         Show version.
    -p --port=<port>                                  Listen port [default: 8080].
    --redis_addr=<redis_addr>                         Redis host:port for multi-instance fan out.
    --jwt_key=<jwt_key>                               Require bearer tokens signed with this key.
    --history_capacity=<history_capacity>             Operations kept per workspace [default: 1000].
    --concurrency_window_ms=<concurrency_window_ms>   [default: 1000].
    --log_level=<log_level>                           glog verbosity [default: 0].`
}

func main() {
	opts, err := docopt.ParseArgs(usage(), os.Args[1:], CollabRelayVersion)
	if err != nil {
		panic(err)
	}

	logLevel, _ := opts.String("--log_level")
	flag.Set("logtostderr", "true")
	flag.Set("v", logLevel)

	serve(opts)
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	historyCapacity, _ := opts.Int("--history_capacity")
	concurrencyWindowMillis, _ := opts.Int("--concurrency_window_ms")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	var broker relay.Broker
	if redisAddr, err := opts.String("--redis_addr"); err == nil {
		client := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Printf("Could not connect to redis %s (%s).\n", redisAddr, err)
			os.Exit(1)
		}
		broker = relay.NewRedisBrokerWithDefaults(client)
	} else {
		broker = relay.NewMemoryBroker()
	}
	defer broker.Close()

	settings := relay.DefaultServerSettings()
	settings.History = &collab.HistorySettings{
		Capacity:     historyCapacity,
		RetainOnTrim: historyCapacity / 2,
	}
	settings.Transform.ConcurrencyWindow = time.Duration(concurrencyWindowMillis) * time.Millisecond
	if jwtKey, err := opts.String("--jwt_key"); err == nil {
		settings.JwtKey = []byte(jwtKey)
	}

	server := relay.NewServer(ctx, broker, settings)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.Router(),
	}

	go func() {
		defer cancel()
		glog.Infof("[main]collabrelay %s on *:%d\n", CollabRelayVersion, port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Relay error (%s).\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	collab.Trace("[main]shutdown", func() {
		httpServer.Shutdown(shutdownCtx)
	})
	glog.Flush()
}
