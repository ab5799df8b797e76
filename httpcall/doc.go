// Package httpcall executes declarative HTTP request configurations against
// live endpoints. A configuration names the method, a URL expression, header
// and body expressions and a set of policy knobs; the package evaluates them
// against a message, authenticates the request, runs it through a bounded
// retry loop with backoff and terminal error policies, and decodes the
// response by content type, offloading binary payloads to a blob store.
package httpcall
