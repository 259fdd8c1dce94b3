// Package security provides validation, redaction, and limits for pipeline-guard.
//
// This package includes:
//   - Input validation for job type names, queue names and job ids
//   - Error message sanitization, including redaction of credentials that
//     LLM provider errors tend to echo back
//   - Clamping functions to enforce safe limits on retries and concurrency
//
// Most users should import the root package github.com/jdziat/pipeline-guard
// which re-exports these functions.
package security
