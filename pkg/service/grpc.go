package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "jsonrelay.v1.TranslationService"

// Method names on the wire.
const (
	MethodTranslateDocument = "/" + ServiceName + "/TranslateDocument"
	MethodTranslateText     = "/" + ServiceName + "/TranslateText"
	MethodSubmitJob         = "/" + ServiceName + "/SubmitJob"
	MethodGetJob            = "/" + ServiceName + "/GetJob"
)

// TranslationServer is the gRPC surface. Messages are google.protobuf.Struct;
// documents travel as JSON text in the "document" field so member order and
// number literals survive.
type TranslationServer interface {
	TranslateDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TranslateText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// TranslationServiceDesc describes TranslationServer for grpc.Server.
var TranslationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranslationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TranslateDocument", Handler: unaryHandler(MethodTranslateDocument, TranslationServer.TranslateDocument)},
		{MethodName: "TranslateText", Handler: unaryHandler(MethodTranslateText, TranslationServer.TranslateText)},
		{MethodName: "SubmitJob", Handler: unaryHandler(MethodSubmitJob, TranslationServer.SubmitJob)},
		{MethodName: "GetJob", Handler: unaryHandler(MethodGetJob, TranslationServer.GetJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jsonrelay/v1/translation.proto",
}

type structMethod func(TranslationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(TranslationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(TranslationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterTranslationServer registers srv with s.
func RegisterTranslationServer(s grpc.ServiceRegistrar, srv TranslationServer) {
	s.RegisterService(&TranslationServiceDesc, srv)
}

// GRPCServer adapts TranslationService and JobQueue to TranslationServer.
type GRPCServer struct {
	svc    *TranslationService
	queue  *JobQueue
	logger *logrus.Logger
}

// NewGRPCServer creates the gRPC surface. queue may be nil, in which case
// SubmitJob and GetJob return Unimplemented.
func NewGRPCServer(svc *TranslationService, queue *JobQueue, logger *logrus.Logger) *GRPCServer {
	if logger == nil {
		logger = logrus.New()
	}
	return &GRPCServer{svc: svc, queue: queue, logger: logger}
}

func field(in *structpb.Struct, name string) string {
	if in == nil {
		return ""
	}
	v, ok := in.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func documentRequest(in *structpb.Struct) DocumentRequest {
	return DocumentRequest{
		RequestID:      field(in, "request_id"),
		Document:       []byte(field(in, "document")),
		SourceLanguage: field(in, "source_language"),
		TargetLanguage: field(in, "target_language"),
		Strategy:       field(in, "strategy"),
		Format:         field(in, "format"),
		Proxy:          field(in, "proxy"),
	}
}

// TranslateDocument implements TranslationServer.
func (g *GRPCServer) TranslateDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := g.svc.TranslateDocument(ctx, documentRequest(in))
	if err != nil {
		return nil, StatusError(err)
	}
	out := map[string]any{
		"request_id":       res.RequestID,
		"document":         string(res.Document),
		"duration_seconds": res.Duration.Seconds(),
	}
	if r := res.Report; r != nil {
		out["strategy"] = string(r.Strategy)
		out["leaves"] = r.Leaves
		out["sent"] = r.Sent
		out["batches"] = r.Batches
		out["attempts"] = AttemptSummaries(r.Attempts)
	}
	return structpb.NewStruct(out)
}

// TranslateText implements TranslationServer.
func (g *GRPCServer) TranslateText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	text, err := g.svc.TranslateText(ctx, TextRequest{
		RequestID:      field(in, "request_id"),
		Text:           field(in, "text"),
		SourceLanguage: field(in, "source_language"),
		TargetLanguage: field(in, "target_language"),
		Proxy:          field(in, "proxy"),
	})
	if err != nil {
		return nil, StatusError(err)
	}
	return structpb.NewStruct(map[string]any{
		"request_id":      field(in, "request_id"),
		"translated_text": text,
	})
}

// SubmitJob implements TranslationServer.
func (g *GRPCServer) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if g.queue == nil {
		return nil, status.Error(codes.Unimplemented, "background jobs are disabled")
	}
	id, err := g.queue.CreateJob(documentRequest(in))
	if err != nil {
		return nil, StatusError(err)
	}
	return structpb.NewStruct(map[string]any{
		"job_id": id,
		"status": string(JobStatusQueued),
	})
}

// GetJob implements TranslationServer.
func (g *GRPCServer) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if g.queue == nil {
		return nil, status.Error(codes.Unimplemented, "background jobs are disabled")
	}
	job, err := g.queue.GetJob(field(in, "job_id"))
	if err != nil {
		return nil, StatusError(err)
	}
	return structpb.NewStruct(SnapshotFields(job.Snapshot()))
}

// SnapshotFields renders a job snapshot as a plain map; the translated
// document is included once the job has completed.
func SnapshotFields(s JobSnapshot) map[string]any {
	out := map[string]any{
		"job_id":           s.ID,
		"request_id":       s.RequestID,
		"status":           string(s.Status),
		"progress_percent": int(s.ProgressPercent),
		"progress_message": s.ProgressMessage,
		"created_at":       s.CreatedAt.Format(time.RFC3339),
	}
	if s.Error != "" {
		out["error"] = s.Error
		out["error_kind"] = string(s.ErrorKind)
	}
	if s.Status == JobStatusCompleted {
		out["document"] = string(s.Result)
		out["leaves"] = s.Leaves
		out["duration_seconds"] = s.DurationSeconds
	}
	return out
}

// StatusError converts err into a gRPC status error.
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// Code classifies err for gRPC callers.
func Code(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, ErrJobNotFound):
		return codes.NotFound
	}
	switch failure.KindOf(err) {
	case failure.InvalidRequest:
		return codes.InvalidArgument
	case failure.Transport:
		return codes.Unavailable
	case failure.SegmentCountMismatch:
		return codes.Aborted
	case failure.ReassemblyParse:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// UnaryLoggingInterceptor logs each call and counts it by status code.
func UnaryLoggingInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		grpcRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()

		entry := logger.WithFields(logrus.Fields{
			"method":      info.FullMethod,
			"code":        code.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).Warn("gRPC request failed")
		} else {
			entry.Debug("gRPC request served")
		}
		return resp, err
	}
}

// Client calls TranslationServer over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TranslateDocument sends a JSON document for synchronous translation.
func (c *Client) TranslateDocument(ctx context.Context, req DocumentRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodTranslateDocument, documentFields(req), opts...)
}

// TranslateText translates plain text.
func (c *Client) TranslateText(ctx context.Context, req TextRequest, opts ...grpc.CallOption) (string, error) {
	out, err := c.invoke(ctx, MethodTranslateText, map[string]any{
		"request_id":      req.RequestID,
		"text":            req.Text,
		"source_language": req.SourceLanguage,
		"target_language": req.TargetLanguage,
		"proxy":           req.Proxy,
	}, opts...)
	if err != nil {
		return "", err
	}
	return field(out, "translated_text"), nil
}

// SubmitJob queues a document and returns the job ID.
func (c *Client) SubmitJob(ctx context.Context, req DocumentRequest, opts ...grpc.CallOption) (string, error) {
	out, err := c.invoke(ctx, MethodSubmitJob, documentFields(req), opts...)
	if err != nil {
		return "", err
	}
	return field(out, "job_id"), nil
}

// GetJob fetches a job's state.
func (c *Client) GetJob(ctx context.Context, jobID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetJob, map[string]any{"job_id": jobID}, opts...)
}

func documentFields(req DocumentRequest) map[string]any {
	return map[string]any{
		"request_id":      req.RequestID,
		"document":        string(req.Document),
		"source_language": req.SourceLanguage,
		"target_language": req.TargetLanguage,
		"strategy":        req.Strategy,
		"format":          req.Format,
		"proxy":           req.Proxy,
	}
}
