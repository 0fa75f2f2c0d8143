package deploygate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bigredeye/deploygate/api"
)

type Client struct {
	client *resty.Client
}

func NewClient(endpoint, token string) (*Client, error) {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(time.Second * 10).
		SetRetryCount(3).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		})

	client.Header.Add("Token", token)

	return &Client{client}, nil
}

// statusError reports the server-side error of a failed request.
func statusError(action string, resp *resty.Response, status *api.Status) error {
	if status.Error != "" {
		return fmt.Errorf("failed to %s: %s", action, status.Error)
	}
	return fmt.Errorf("failed to %s: %s", action, resp.Status())
}

func (c *Client) Trigger(req *api.TriggerRequest) (*api.Run, error) {
	res := &api.RunResponse{}
	resp, err := c.client.R().
		SetBody(req).
		SetResult(res).
		SetError(res).
		Post("/api/runs")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError("trigger run", resp, &res.Status)
	}

	return res.Run, nil
}

func (c *Client) GetRun(runID string) (*api.Run, error) {
	res := &api.RunResponse{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("run", runID).
		Get("/api/runs/{run}")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError("fetch run", resp, &res.Status)
	}

	return res.Run, nil
}

func (c *Client) ListRuns(pipeline string) ([]*api.Run, error) {
	res := &api.RunsResponse{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetQueryParam("pipeline", pipeline).
		Get("/api/runs")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError("list runs", resp, &res.Status)
	}

	return res.Runs, nil
}

func (c *Client) History(pipeline string, limit int) ([]*api.Run, error) {
	res := &api.RunsResponse{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetQueryParam("pipeline", pipeline).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/api/history")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError("load history", resp, &res.Status)
	}

	return res.Runs, nil
}

// Resolve submits an approve or reject decision on a gate.
func (c *Client) Resolve(runID, gateID, decision string) (*api.Gate, error) {
	res := &api.GateResponse{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParams(map[string]string{
			"run":      runID,
			"gate":     gateID,
			"decision": decision,
		}).
		Post("/api/runs/{run}/gates/{gate}/{decision}")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError(decision+" gate", resp, &res.Status)
	}

	return res.Gate, nil
}

func (c *Client) Cancel(runID string) error {
	res := &api.Status{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("run", runID).
		Post("/api/runs/{run}/cancel")
	if err != nil {
		return err
	}

	if !res.Ok {
		return statusError("cancel run", resp, res)
	}

	return nil
}

func (c *Client) Rerun(runID string) (*api.Run, error) {
	res := &api.RunResponse{}
	resp, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("run", runID).
		Post("/api/runs/{run}/rerun")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, statusError("rerun", resp, &res.Status)
	}

	return res.Run, nil
}

// WaitRun polls the run until it reaches a final result.
func (c *Client) WaitRun(runID string, interval time.Duration, progress func(*api.Run)) (*api.Run, error) {
	for {
		run, err := c.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(run)
		}
		if run.Finished() {
			return run, nil
		}
		time.Sleep(interval)
	}
}
