package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const (
	uploadPath  = "api/v1/testruns"
	contentType = "application/json"
)

// RepoUploader POSTs reports to a result repository.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewRepoUploader(serverURL string) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	parsedURL.Path = uploadPath
	return &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}, nil
}

func (c *RepoUploader) Upload(ctx context.Context, r Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "report uploaded successfully.",
		slog.String("run_id", r.RunID),
		slog.String("location", createResp.Location))
	return nil
}

type CreateResponse struct {
	Location string `json:"location"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	ct := resp.Header.Get("Content-Type")
	switch resp.StatusCode {
	case http.StatusCreated:
		if ct == "" {
			return CreateResponse{Location: resp.Header.Get("Location")}, nil
		}
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if mediaType != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", mediaType)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.Location == "" {
			cr.Location = resp.Header.Get("Location")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
		}
		if mediaType != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", mediaType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
