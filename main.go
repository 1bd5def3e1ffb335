// Command tasksync-proxy serves the same-origin rewrite layer of the todo
// front end: browser requests against /api and /auth are forwarded to the
// remote task API so the client never has to deal with cross-origin calls.
package main

import (
	"net/url"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	remote := os.Getenv("REMOTE_API_URL")
	if remote == "" {
		logger.Fatal("missing REMOTE_API_URL")
	}
	target, err := url.Parse(remote)
	if err != nil || target.Scheme == "" || target.Host == "" {
		logger.Fatalf("invalid REMOTE_API_URL: %q", remote)
	}

	listenAddr := envString("LISTEN_ADDR", ":3000")

	e := newProxy(target, logger)
	e.Server.ReadHeaderTimeout = envDur("READ_HEADER_TIMEOUT", 10*time.Second)
	logger.Infof("proxy listening on %s, forwarding to %s", listenAddr, target)
	e.Logger.Fatal(e.Start(listenAddr))
}
