package aws

import (
	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/opentundra/opentundra/pkg/engine"
)

// wrapError classifies an AWS API error so the scheduler retries the right
// failures. Throttling retries with a long backoff, transient server
// faults with a short one, conflicts wait for the resource to settle, and
// everything else is permanent.
func wrapError(operation string, err error) *engine.EngineError {
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok {
		return engine.NewPermanentError(operation+" failed", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation(operation)
	}

	var classified *engine.EngineError
	switch aerr.Code() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"TooManyRequestsException", "ProvisionedThroughputExceededException":
		classified = engine.NewThrottledError(operation+" throttled", err).
			WithCode(engine.ErrCodeRateLimited)

	case "RequestTimeout", "RequestTimeoutException", "InternalError",
		"InternalFailure", "ServiceUnavailable", "ServerException":
		classified = engine.NewTransientError(operation+" failed transiently", err).
			WithCode(engine.ErrCodeTimeout)

	case "ResourceInUseException", "DependencyViolation", "ConcurrentModificationException",
		"InvalidParameterValue", "DeleteConflict", "ResourceConflictException":
		classified = engine.NewConflictError(operation+" conflicted", err).
			WithCode(engine.ErrCodeConflict)

	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
		classified = engine.NewPermanentError(operation+" denied", err).
			WithCode(engine.ErrCodePermissionDenied)

	case "ResourceNotFoundException", "NoSuchEntity", "NotFoundException",
		"InvalidVpcID.NotFound", "InvalidSubnetID.NotFound", "InvalidGroup.NotFound",
		"RepositoryNotFoundException", "ParameterNotFound", "NoSuchBucket":
		classified = engine.NewPermanentError(operation+": not found", err).
			WithCode(engine.ErrCodeNotFound)

	case "AlreadyExistsException", "ResourceAlreadyExistsException", "EntityAlreadyExists",
		"InvalidGroup.Duplicate", "BucketAlreadyOwnedByYou", "RepositoryAlreadyExistsException":
		classified = engine.NewConflictError(operation+": already exists", err).
			WithCode(engine.ErrCodeAlreadyExists)

	default:
		classified = engine.NewPermanentError(operation+" failed", err).
			WithCode(engine.ErrCodeProviderFailed)
	}

	return classified.WithOperation(operation).WithDetail("aws_code", aerr.Code())
}

// WrapError exposes the classifier to packages that drive the AWS clients
// directly, such as the backend bootstrapper.
func WrapError(operation string, err error) *engine.EngineError {
	return wrapError(operation, err)
}

// IsNotFound exposes the not-found check alongside WrapError.
func IsNotFound(err error) bool {
	return isNotFound(err)
}

// isNotFound reports whether the error is an AWS not-found condition.
func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "ResourceNotFoundException", "NoSuchEntity", "NotFoundException",
		"InvalidVpcID.NotFound", "InvalidSubnetID.NotFound", "InvalidGroup.NotFound",
		"RepositoryNotFoundException", "ParameterNotFound", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
