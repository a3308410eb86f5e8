// Package lti implements the LTI 1.1 tool-provider surface: basic
// launch verification (OAuth 1.0a HMAC-SHA1), session tokens for the
// annotation API, annotation-database auth tokens, and Basic Outcomes
// grade passback.
package lti
