// Package dispatch routes each request through the static pipeline or the
// application handler and emits the result.
package dispatch

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/baremetalphp/appserver/accesslog"
	"github.com/baremetalphp/appserver/emitter"
	"github.com/baremetalphp/appserver/message"
	"github.com/baremetalphp/appserver/static"
)

// Handler is the application: it turns a request into a response.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) *message.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) *message.Response {
	return f(ctx, req)
}

// StaticProcessor serves static resources. A nil response means nothing was
// written and the request continues to the handler.
type StaticProcessor interface {
	Process(r *http.Request, sink emitter.Sink) (*static.Response, error)
}

// Dispatcher picks exactly one branch per request: static, error or handler.
type Dispatcher struct {
	handler     Handler
	static      StaticProcessor
	factory     RequestFactory
	errors      ErrorResponseGenerator
	access      accesslog.Logger
	logger      *zap.Logger
	emitterOpts []emitter.Option
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStatic puts p in front of the handler.
func WithStatic(p StaticProcessor) Option {
	return func(d *Dispatcher) { d.static = p }
}

// WithRequestFactory replaces the default factory.
func WithRequestFactory(f RequestFactory) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.factory = f
		}
	}
}

// WithErrorResponse replaces DefaultErrorResponse.
func WithErrorResponse(g ErrorResponseGenerator) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.errors = g
		}
	}
}

// WithAccessLog sets the access-log sink.
func WithAccessLog(l accesslog.Logger) Option {
	return func(d *Dispatcher) { d.access = l }
}

// WithLogger sets the logger for emission failures.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithEmitterOptions passes options to every Emitter.
func WithEmitterOptions(opts ...emitter.Option) Option {
	return func(d *Dispatcher) { d.emitterOpts = append(d.emitterOpts, opts...) }
}

// New returns a dispatcher in front of handler.
func New(handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		factory: NewRequestFactory(0),
		errors:  DefaultErrorResponse,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	d.emitterOpts = append([]emitter.Option{emitter.WithLogger(d.logger)}, d.emitterOpts...)
	return d
}

// Dispatch serves r on sink. It is safe for concurrent use.
func (d *Dispatcher) Dispatch(r *http.Request, sink emitter.Sink) {
	r, sink = accesslog.Track(r, sink)

	if d.static != nil {
		resp, err := d.static.Process(r, sink)
		switch {
		case resp != nil && err != nil:
			d.logger.Error("static response write failed",
				zap.String("path", r.URL.Path), zap.Error(err))
			return
		case resp != nil:
			d.logStatic(r, resp)
			return
		case err != nil:
			// Nothing was written; the file vanished after it was resolved.
			d.logger.Warn("static file unavailable, passing to handler",
				zap.String("path", r.URL.Path), zap.Error(err))
		}
	}

	req, err := d.factory(r)
	if err != nil {
		accesslog.MarkError(r)
		if req != nil {
			accesslog.SetRequestID(r, req.ID)
		}
		d.emit(r, sink, d.errors(err))
		return
	}
	accesslog.SetRequestID(r, req.ID)

	d.emit(r, sink, d.handler.Handle(r.Context(), req))
}

func (d *Dispatcher) emit(r *http.Request, sink emitter.Sink, resp *message.Response) {
	ok, err := emitter.New(sink, d.emitterOpts...).Emit(resp)
	if err != nil {
		d.logger.Error("response emission failed",
			zap.String("method", r.Method), zap.String("uri", r.URL.RequestURI()), zap.Error(err))
		return
	}
	if !ok {
		d.logger.Error("response not emitted: no sink configured",
			zap.String("method", r.Method), zap.String("uri", r.URL.RequestURI()))
		return
	}
	if d.access != nil {
		d.access.LogDynamic(r, resp)
	}
}

func (d *Dispatcher) logStatic(r *http.Request, resp *static.Response) {
	if d.access != nil {
		d.access.LogStatic(r, resp)
	}
}
