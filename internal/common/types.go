package common

import "context"

// CloseFunc releases a resource created by a factory.
type CloseFunc func(context.Context) error
