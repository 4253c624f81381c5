// Package shape mirrors remote tables through the HTTP shape stream protocol.
//
// A shape is a live, ordered subset of one remote table. [Mirror] keeps the
// current rows of one shape in memory by long polling the shape endpoint;
// [Cache] shares one Mirror between every caller asking for the same shape.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
)

// Options describes one shape request.
type Options struct {
	// URL is the shape endpoint, e.g. https://host/api/v1/shapes.
	URL string `json:"url"`
	// Params are added to the query string; "table" is required.
	Params map[string]string `json:"params,omitempty"`
	// Headers are sent with every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// Table returns the "table" parameter.
func (o *Options) Table() string {
	return o.Params["table"]
}

// Validate checks the options are usable.
func (o *Options) Validate() error {
	if o.URL == "" {
		return errors.New("shape: url is required")
	}
	if _, err := url.Parse(o.URL); err != nil {
		return err
	}
	if o.Table() == "" {
		return errors.New("shape: table parameter is required")
	}
	return nil
}

// Hash returns a canonical hash of the options. Map ordering does not matter.
func (o *Options) Hash() string {
	// encoding/json sorts map keys.
	b, err := json.Marshal(o)
	if err != nil {
		// Only strings are marshaled.
		panic(err)
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
