// Package nebulaerrors provides examples of structured error handling in nebulastream.
package nebulaerrors_test

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/nebulastream/pkg/nebulaerrors"
)

// Example demonstrates basic error creation.
func Example() {
	err := nebulaerrors.New(nebulaerrors.ErrorTypeConnection, "failed to connect to redis")

	err = err.WithDetail("host", "localhost").
		WithDetail("port", 6379)

	fmt.Println(err.Error())

	// Output:
	// connection: failed to connect to redis
}

// ExampleWrap shows how a sink failure is wrapped and classified.
func ExampleWrap() {
	err := nebulaerrors.Wrap(context.DeadlineExceeded, nebulaerrors.ErrorTypeSinkTransient, "bulk upsert timed out").
		WithDetail("table", "events")

	if nebulaerrors.IsType(err, nebulaerrors.ErrorTypeSinkTransient) {
		fmt.Println("transient sink error")
	}
	fmt.Println(err)

	// Output:
	// transient sink error
	// sink_transient: bulk upsert timed out: context deadline exceeded
}

// ExampleIsRetryable shows which engine errors are retryable.
func ExampleIsRetryable() {
	timeout := nebulaerrors.New(nebulaerrors.ErrorTypeProduceTimeout, "append exceeded 1s")
	permanent := nebulaerrors.New(nebulaerrors.ErrorTypeSinkPermanent, "null value in column event_type")
	fatal := nebulaerrors.New(nebulaerrors.ErrorTypeDeadLetterAppend, "dead-letter stream unavailable")

	fmt.Println(nebulaerrors.IsRetryable(timeout))
	fmt.Println(nebulaerrors.IsRetryable(permanent))
	fmt.Println(nebulaerrors.IsRetryable(fatal))

	// Output:
	// true
	// false
	// false
}

// ExampleHasType demonstrates looking through wrapping layers.
func ExampleHasType() {
	inner := nebulaerrors.New(nebulaerrors.ErrorTypeSinkPermanent, "check constraint violated")
	outer := nebulaerrors.Wrap(inner, nebulaerrors.ErrorTypeData, "flush failed")

	fmt.Println(nebulaerrors.IsType(outer, nebulaerrors.ErrorTypeSinkPermanent))
	fmt.Println(nebulaerrors.HasType(outer, nebulaerrors.ErrorTypeSinkPermanent))

	// Output:
	// false
	// true
}

// Example_errorChain shows how contexts chain.
func Example_errorChain() {
	err := appendToLog()
	err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDeadLetterAppend, "route to dead letter failed").
		WithDetail("entries", 3)

	fmt.Println("Full error chain:", err)

	// Output:
	// Full error chain: dead_letter_append: route to dead letter failed: connection: connection reset
}

func appendToLog() error {
	return nebulaerrors.New(nebulaerrors.ErrorTypeConnection, "connection reset").
		WithDetail("stream", "events:dead")
}

// Example_customErrorHandling shows how details are read back.
func Example_customErrorHandling() {
	err := nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "payload exceeds maximum size").
		WithDetail("size", 2048).
		WithDetail("max", 1024)

	fmt.Printf("Error Type: %s\n", err.Type)
	fmt.Printf("Message: %s\n", err.Message)
	fmt.Printf("  size: %v\n", err.Details["size"])
	fmt.Printf("  max: %v\n", err.Details["max"])

	// Output:
	// Error Type: validation
	// Message: payload exceeds maximum size
	//   size: 2048
	//   max: 1024
}
