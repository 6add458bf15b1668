package bedrock

import (
	"context"
	"errors"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/jrmatherly/nexus/types"
)

// mapSDKError folds AWS SDK failures into the surface taxonomy.
func mapSDKError(err error, provider string) *types.Error {
	var throttled *brtypes.ThrottlingException
	if errors.As(err, &throttled) {
		return types.NewError(types.ErrRateLimitExceeded, throttled.ErrorMessage()).
			WithProvider(provider).WithUpstreamStatus(429).WithRetryable(true)
	}
	var validation *brtypes.ValidationException
	if errors.As(err, &validation) {
		return types.NewError(types.ErrInvalidRequest, validation.ErrorMessage()).
			WithProvider(provider).WithUpstreamStatus(400)
	}
	var denied *brtypes.AccessDeniedException
	if errors.As(err, &denied) {
		return types.NewError(types.ErrInsufficientQuota, denied.ErrorMessage()).
			WithProvider(provider).WithUpstreamStatus(403)
	}
	var notFound *brtypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return types.NewError(types.ErrModelNotFound, notFound.ErrorMessage()).
			WithProvider(provider).WithUpstreamStatus(404)
	}
	var timeout *brtypes.ModelTimeoutException
	if errors.As(err, &timeout) {
		return types.NewError(types.ErrConnection, timeout.ErrorMessage()).
			WithProvider(provider).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrConnection, err.Error()).
			WithProvider(provider).WithCause(err).WithRetryable(true)
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		return (&types.Error{
			Kind:    types.ErrProviderAPI,
			Message: api.ErrorMessage(),
		}).WithProvider(provider).WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrConnection, err.Error()).
		WithProvider(provider).WithCause(err).WithRetryable(true)
}
