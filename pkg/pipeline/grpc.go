package pipeline

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/StricklySoft/accessgate/pkg/auth"
)

// Metadata keys set by the gRPC interceptors. gRPC keys are lowercase.
const (
	MetadataRequestID          = "x-request-id"
	MetadataRateLimitLimit     = "x-ratelimit-limit"
	MetadataRateLimitRemaining = "x-ratelimit-remaining"
	MetadataRetryAfter         = "retry-after"
)

// MethodPolicy is the access requirement of one gRPC method.
type MethodPolicy struct {
	// Public methods skip the whole chain, e.g. health checks.
	Public bool

	Access Access

	// Tenant, when set, extracts the requested tenant from a unary request
	// for [auth.RequireSameTenant]. Stream methods ignore it.
	Tenant func(ctx context.Context, req any) string

	RateLimit *Rule
}

// MethodPolicies maps full method names ("/pkg.Service/Method") to their
// policy. Methods without an entry require authentication only.
type MethodPolicies map[string]MethodPolicy

// UnaryServerInterceptor runs the chain for unary calls. Rejections map to
// codes.Unauthenticated, codes.PermissionDenied and
// codes.ResourceExhausted with retry-after in the trailer.
func (p *Pipeline) UnaryServerInterceptor(policies MethodPolicies) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		policy := policies[info.FullMethod]
		if policy.Public {
			return handler(ctx, req)
		}
		var tenant func() string
		if policy.Tenant != nil {
			tenant = func() string { return policy.Tenant(ctx, req) }
		}
		ctx, err := p.guardRPC(ctx, info.FullMethod, policy, tenant)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor runs the chain once when a stream opens.
func (p *Pipeline) StreamServerInterceptor(policies MethodPolicies) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		policy := policies[info.FullMethod]
		if policy.Public {
			return handler(srv, ss)
		}
		ctx, err := p.guardRPC(ss.Context(), info.FullMethod, policy, nil)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (p *Pipeline) guardRPC(ctx context.Context, method string, policy MethodPolicy, tenant func() string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	requestID := firstValue(md, MetadataRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	id, fail := p.authenticate(ctx, firstValue(md, auth.HeaderAuthorization))
	if fail != nil {
		p.logAuthFailure(fail, zap.String("request_id", requestID), zap.String("method", method))
		return ctx, status.Error(codes.Unauthenticated, fail.message)
	}
	ctx = auth.ContextWithIdentity(ctx, id)

	check := policy.Access.check
	if tenant != nil {
		requested := tenant()
		check = func(id *auth.Identity) error {
			if err := policy.Access.check(id); err != nil {
				return err
			}
			return auth.RequireSameTenant(id, requested)
		}
	}
	if err := check(id); err != nil {
		p.metrics.authzDenial(method)
		p.logger.Info("access denied",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.Object("identity", id),
			zap.Error(err))
		return ctx, status.Error(codes.PermissionDenied, auth.MsgInsufficientPermissions)
	}

	if rule := policy.RateLimit; rule != nil {
		key := method + ":" + p.callerKey(ctx, func() string { return peerAddr(ctx) })
		d, ok := p.limit(ctx, method, key, *rule)
		if ok {
			_ = grpc.SetHeader(ctx, metadata.Pairs(
				MetadataRateLimitLimit, strconv.Itoa(rule.Limit),
				MetadataRateLimitRemaining, strconv.Itoa(d.Remaining),
			))
			if !d.Allowed {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataRetryAfter, strconv.Itoa(d.RetryAfterSeconds())))
				return ctx, status.Error(codes.ResourceExhausted, RateLimitMessage(rule.Limit, rule.Window))
			}
		}
	}
	return ctx, nil
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func peerAddr(ctx context.Context) string {
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		return hostOnly(pr.Addr.String())
	}
	return "unknown"
}

// wrappedServerStream overrides Context so handlers see the identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
