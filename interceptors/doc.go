// Package interceptors wraps the sending of envelopes with cross-cutting
// behaviour.
//
// An Interceptor sees every envelope a producer sends after the sn, version
// and origin are stamped and before it is encoded. Interceptors run in the
// order they were added; each one decides whether to call the next.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs every send with its duration
//   - ValidationInterceptor: rejects envelopes that are neither a request nor a reply
//   - SecretInterceptor: stamps a shared secret on requests that carry none
//   - TimeoutInterceptor: bounds the time a single send may take
//   - FilteringInterceptor: allows or denies destinations by pattern
//
// Example usage:
//
//	client, err := gofer.NewClient(url, gofer.WithInterceptors(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewSecretInterceptor(os.Getenv("GOFER_SECRET")),
//		interceptors.NewFilteringInterceptor(interceptors.DenyDestinations("queue:prod.*")),
//	))
package interceptors
