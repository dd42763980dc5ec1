// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const maxRemoteSize = 10 << 20

// Remote fetches routing entities from a URL that returns them as JSON.
type Remote struct {
	client *retryablehttp.Client
}

// NewRemote returns a new Remote. If client is nil, a default client with
// retries is used.
func NewRemote(client *retryablehttp.Client) *Remote {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
		client.RetryMax = 3
		client.RetryWaitMin = 500 * time.Millisecond
		client.RetryWaitMax = 5 * time.Second
	}
	return &Remote{client: client}
}

// FetchURL fetches the routing entities from url with the default client.
func FetchURL(ctx context.Context, url string) (Entities, error) {
	return NewRemote(nil).Fetch(ctx, url)
}

// Fetch fetches the routing entities from url.
func (r *Remote) Fetch(ctx context.Context, url string) (Entities, error) {
	var e Entities
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return e, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return e, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return e, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(&io.LimitedReader{R: resp.Body, N: maxRemoteSize}).Decode(&e); err != nil {
		return e, fmt.Errorf("decode: %w", err)
	}
	return e, nil
}
