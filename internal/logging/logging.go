package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/grafana/loki-client-go/loki"
	slogloki "github.com/samber/slog-loki/v3"
)

// Options configures the process logger.
type Options struct {
	Service string
	Env     string
	Level   slog.Level
	LokiURL string
	Output  io.Writer
}

// Setup builds the process logger, installs it as the slog default and bridges
// the standard library logger onto it. When a Loki URL is configured records are
// shipped there instead of stdout. The returned func flushes pending Loki
// batches and must run before the process exits.
func Setup(opts Options) (*slog.Logger, func()) {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(opts.Service))}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	var (
		handler slog.Handler
		stop    = func() {}
	)
	if strings.TrimSpace(opts.LokiURL) != "" {
		if h, flush, err := lokiHandler(opts.LokiURL, opts.Level); err == nil {
			handler, stop = h, flush
		} else {
			log.Printf("loki logger disabled: %v", err)
		}
	}
	if handler == nil {
		handler = jsonHandler(opts.Output, opts.Level)
	}
	handler = withContext(handler, attrs)

	base := slog.New(handler)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, stop
}

// withContext is the single place context attributes join a record, whichever
// sink is underneath.
func withContext(h slog.Handler, attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.WithAttrs(attrs)}
}

func jsonHandler(out io.Writer, level slog.Level) slog.Handler {
	if out == nil {
		out = os.Stdout
	}
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
}

func lokiHandler(url string, level slog.Level) (slog.Handler, func(), error) {
	cfg, err := loki.NewDefaultConfig(url)
	if err != nil {
		return nil, nil, err
	}
	client, err := loki.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	h := slogloki.Option{Level: level, Client: client}.NewLokiHandler()
	return h, client.Stop, nil
}

// Discard returns a logger that drops every record. Tests use it as a default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
