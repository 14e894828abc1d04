// Package api serves the lazyacme REST API: on-demand issuance, certificate
// and key retrieval, status listing and scheduler health.
package api
