package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/tamias-dev/tamias/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the internal catalog. The
// exposed name is "{server}__{tool}"; calls are bounded by the server's
// per-call timeout and refused while the server is disconnected.
type BridgeTool struct {
	serverName string
	tool       mcpgo.Tool
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

// NewBridgeTool wraps a discovered MCP tool for the catalog.
func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if timeoutSec <= 0 {
		timeoutSec = defaultCallTimeout
	}
	return &BridgeTool{
		serverName: serverName,
		tool:       tool,
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *BridgeTool) Name() string {
	return b.serverName + "__" + b.tool.Name
}

// OriginalName returns the tool name as the server advertises it.
func (b *BridgeTool) OriginalName() string {
	return b.tool.Name
}

// Server identifies the MCP server this tool belongs to.
func (b *BridgeTool) Server() string {
	return b.serverName
}

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("%s tool from MCP server %s", b.tool.Name, b.serverName)
}

// Parameters returns the tool's input schema as a generic JSON schema map.
func (b *BridgeTool) Parameters() map[string]interface{} {
	raw := []byte(b.tool.RawInputSchema)
	if len(raw) == 0 {
		data, err := json.Marshal(b.tool.InputSchema)
		if err != nil {
			slog.Debug("mcp.tool.schema_marshal_error", "tool", b.Name(), "error", err)
		} else {
			raw = data
		}
	}

	schema := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			slog.Debug("mcp.tool.schema_parse_error", "tool", b.Name(), "error", err)
			schema = map[string]interface{}{}
		}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema
}

// Execute forwards the call to the MCP server and converts the result.
// Text content is concatenated for the LLM; image content is attached as
// files for the bridge to deliver.
func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.serverName))
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(cctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s failed: %v", b.Name(), err)).WithError(err)
	}

	var text strings.Builder
	var files []tools.ResultFile
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcpgo.TextContent:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(c.Text)
		case mcpgo.ImageContent:
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				slog.Debug("mcp.tool.image_decode_error", "tool", b.Name(), "error", err)
				continue
			}
			name := fmt.Sprintf("%s-%d%s", b.tool.Name, time.Now().UnixNano(), extForMime(c.MIMEType))
			files = append(files, tools.ResultFile{Name: name, MimeType: c.MIMEType, Data: data})
		default:
			slog.Debug("mcp.tool.content_skipped", "tool", b.Name(), "type", fmt.Sprintf("%T", content))
		}
	}

	out := text.String()
	if out == "" && len(files) == 0 {
		out = "(no content)"
	}
	if res.IsError {
		return tools.ErrorResult(out)
	}

	result := tools.NewResult(out)
	result.Files = files
	return result
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
