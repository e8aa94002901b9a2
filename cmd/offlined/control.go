package main

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/types"
)

const controlTimeout = 30 * time.Second

// controlClient talks to the control endpoints of a running proxy.
type controlClient struct {
	base   string
	client *fasthttp.Client
}

func newControlClient(opts *RootOptions) *controlClient {
	return &controlClient{
		base:   "http://" + opts.Addr + opts.ControlPrefix,
		client: &fasthttp.Client{Name: "offlined-cli"},
	}
}

func (c *controlClient) do(method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.client.DoTimeout(req, resp, controlTimeout); err != nil {
		return 0, nil, types.Errorf(types.ErrNetworkUnavailable, "control %s %s: %v", method, path, err)
	}

	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

// print writes body indented, failing on any status outside 2xx.
func (c *controlClient) print(out io.Writer, status int, body []byte) error {
	if len(body) > 0 {
		var decoded interface{}
		if sonic.Unmarshal(body, &decoded) == nil {
			if pretty, err := sonic.ConfigStd.MarshalIndent(decoded, "", "  "); err == nil {
				body = pretty
			}
		}
		fmt.Fprintln(out, string(body))
	}

	if status < 200 || status >= 300 {
		return fmt.Errorf("control request failed with status %d", status)
	}
	return nil
}

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a background sync on the running proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newControlClient(opts)

			path := "/sync"
			if tag != "" {
				path += "?tag=" + url.QueryEscape(tag)
			}

			status, body, err := c.do(fasthttp.MethodPost, path, nil)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), status, body)
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "sync tag (defaults to the configured tag)")

	return cmd
}

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline mutation queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newControlClient(opts)
			status, body, err := c.do(fasthttp.MethodGet, "/queue", nil)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), status, body)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a mutation that the server keeps rejecting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newControlClient(opts)
			status, body, err := c.do(fasthttp.MethodDelete, "/queue/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), status, body)
		},
	})

	return cmd
}

func NewNetworkCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "network [online|offline]",
		Short:     "Show or set the connectivity the proxy assumes",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newControlClient(opts)

			if len(args) == 0 {
				status, body, err := c.do(fasthttp.MethodGet, "/network", nil)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), status, body)
			}

			var online bool
			switch args[0] {
			case "online":
				online = true
			case "offline":
			default:
				return types.Errorf(types.ErrInvalidParameter, "network state %q", args[0])
			}

			status, body, err := c.do(fasthttp.MethodPost, "/network", []byte(fmt.Sprintf(`{"online":%t}`, online)))
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), status, body)
		},
	}
}
