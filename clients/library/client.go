package sandlib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnishMulay/sandgate/internal/communication"
	dr "github.com/AnishMulay/sandgate/internal/device_registry"
	"github.com/AnishMulay/sandgate/internal/layout_service"
	tt "github.com/AnishMulay/sandgate/internal/transfer_table"
)

var (
	ErrDelay      = errors.New("gateway asked to retry later")
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)

func NewGatewayClient(serverAddr string, comm communication.Communicator) *GatewayClient {
	return &GatewayClient{
		ServerAddr:   serverAddr,
		Comm:         comm,
		DelayRetries: DefaultDelayRetries,
		DelayBackoff: DefaultDelayBackoff,
	}
}

// LayoutGet asks the gateway for a layout on handle, resending while the
// gateway answers DELAY. The same token is reused across attempts so a
// retry joins the transfer the first attempt started.
func (c *GatewayClient) LayoutGet(ctx context.Context, handle string, intent tt.Intent, token string) (layout_service.Layout, error) {
	var layout layout_service.Layout
	if err := c.check(); err != nil {
		return layout, err
	}

	req := communication.LayoutGetRequest{Handle: handle, Intent: intent.String(), Token: token}
	resp, err := c.sendWithDelay(ctx, communication.MessageTypeLayoutGet, req)
	if err != nil {
		return layout, err
	}
	if resp.Code != communication.CodeOK {
		return layout, responseError("layout_get", handle, resp)
	}
	if err := json.Unmarshal(resp.Body, &layout); err != nil {
		return layout, fmt.Errorf("decode layout: %w", err)
	}
	return layout, nil
}

func (c *GatewayClient) LayoutReturn(ctx context.Context, token string) error {
	if err := c.check(); err != nil {
		return err
	}

	resp, err := c.sendWithDelay(ctx, communication.MessageTypeLayoutReturn, communication.LayoutReturnRequest{Token: token})
	if err != nil {
		return err
	}
	if resp.Code != communication.CodeOK {
		return responseError("layout_return", token, resp)
	}
	return nil
}

func (c *GatewayClient) GetDeviceInfo(ctx context.Context, id dr.DeviceId) (dr.DeviceMapping, error) {
	var mapping dr.DeviceMapping
	if err := c.check(); err != nil {
		return mapping, err
	}

	resp, err := c.send(ctx, communication.MessageTypeGetDeviceInfo, communication.GetDeviceInfoRequest{DeviceId: uint32(id)})
	if err != nil {
		return mapping, err
	}
	if resp.Code != communication.CodeOK {
		return mapping, responseError("get_device_info", id.String(), resp)
	}
	if err := json.Unmarshal(resp.Body, &mapping); err != nil {
		return mapping, fmt.Errorf("decode device mapping: %w", err)
	}
	return mapping, nil
}

func (c *GatewayClient) GetDeviceList(ctx context.Context) ([]dr.DeviceId, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, communication.MessageTypeGetDeviceList, communication.GetDeviceListRequest{})
	if err != nil {
		return nil, err
	}
	if resp.Code != communication.CodeOK {
		return nil, responseError("get_device_list", "", resp)
	}

	var ids []dr.DeviceId
	if err := json.Unmarshal(resp.Body, &ids); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return ids, nil
}

func (c *GatewayClient) ListTransfers(ctx context.Context) ([]tt.TransferInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, communication.MessageTypeListTransfers, communication.ListTransfersRequest{})
	if err != nil {
		return nil, err
	}
	if resp.Code != communication.CodeOK {
		return nil, responseError("list_transfers", "", resp)
	}

	var transfers []tt.TransferInfo
	if len(resp.Body) == 0 {
		return transfers, nil
	}
	if err := json.Unmarshal(resp.Body, &transfers); err != nil {
		return nil, fmt.Errorf("decode transfers: %w", err)
	}
	return transfers, nil
}

func (c *GatewayClient) check() error {
	if c == nil {
		return fmt.Errorf("gateway client is nil")
	}
	if c.Comm == nil {
		return fmt.Errorf("gateway communicator is nil")
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("gateway server address is empty")
	}
	return nil
}

func (c *GatewayClient) sendWithDelay(ctx context.Context, msgType string, payload any) (*communication.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, msgType, payload)
		if err != nil {
			return nil, err
		}
		if resp.Code != communication.CodeDelay || attempt >= c.DelayRetries {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.DelayBackoff):
		}
	}
}

func (c *GatewayClient) send(ctx context.Context, msgType string, payload any) (*communication.Response, error) {
	resp, err := c.Comm.Send(ctx, c.ServerAddr, communication.Message{
		From:    "sandlib",
		Type:    msgType,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s failed: empty response", msgType)
	}
	return resp, nil
}

func responseError(op string, subject string, resp *communication.Response) error {
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		body = string(resp.Code)
	}
	if subject != "" {
		op = fmt.Sprintf("%s %q", op, subject)
	}

	switch resp.Code {
	case communication.CodeDelay:
		return fmt.Errorf("%s: %w: %s", op, ErrDelay, body)
	case communication.CodeNotFound:
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, body)
	case communication.CodeBadRequest:
		return fmt.Errorf("%s: %w: %s", op, ErrBadRequest, body)
	default:
		return fmt.Errorf("%s failed (%s): %s", op, resp.Code, body)
	}
}
