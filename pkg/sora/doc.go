// Package sora implements the external execution client against the OpenAI
// video generation API. All API failures are classified into error
// categories here, at the boundary, so callers never parse error text.
package sora
