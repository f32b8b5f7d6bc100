package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openaiclient "github.com/openai/openai-go/v2"
)

const defaultImageModel = "gpt-image-1"

// ImageEditor rewrites an image according to an instruction.
type ImageEditor interface {
	EditImage(ctx context.Context, image []byte, prompt string) ([]byte, error)
}

// EditImage sends image and prompt to the images edit endpoint and returns
// the first generated PNG.
func (c *Client) EditImage(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	if c.openai == nil {
		return nil, fmt.Errorf("image edit needs an OpenAI provider, got %q", c.provider.Type)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model := strings.TrimSpace(c.provider.DefaultModel)
	if model == "" || model == defaultOpenAIModel {
		model = defaultImageModel
	}

	resp, err := c.openai.Images.Edit(ctx, openaiclient.ImageEditParams{
		Image: openaiclient.ImageEditParamsImageUnion{
			OfFile: openaiclient.File(bytes.NewReader(image), "image.png", "image/png"),
		},
		Prompt: prompt,
		Model:  openaiclient.ImageModel(model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, ErrEmptyResponse
	}

	first := resp.Data[0]
	if first.B64JSON != "" {
		return base64.StdEncoding.DecodeString(first.B64JSON)
	}
	if first.URL != "" {
		return c.download(ctx, first.URL)
	}
	return nil, ErrEmptyResponse
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("download edited image: " + resp.Status)
	}
	return io.ReadAll(resp.Body)
}
