// Package health provides the standard health-check service.
package health

import (
	"unary-rpc/dispatch"
	"unary-rpc/lifecycle"
)

// ServiceName is the name under which the health service is served.
const ServiceName = "health.Health"

// Serving states reported by the check method.
const (
	Serving    = "SERVING"
	NotServing = "NOT_SERVING"
)

// CheckResponse is the result of the check method.
type CheckResponse struct {
	Status    string            `json:"status"`
	Resources map[string]string `json:"resources,omitempty"`
}

// Controller serves method "check". It reports Serving unless one of the
// watched resources is not connected.
type Controller struct {
	id        dispatch.Identity
	resources []lifecycle.Resource
}

// New constructs a controller watching resources.
func New(resources ...lifecycle.Resource) *Controller {
	return &Controller{
		id:        dispatch.Identity{Kind: dispatch.KindController, Name: "health"},
		resources: resources,
	}
}

func (c *Controller) Identity() dispatch.Identity { return c.id }

// Routes implements dispatch.Controller.
func (c *Controller) Routes(r *dispatch.Router) {
	r.Handle("check", dispatch.Result(c.check))
}

func (c *Controller) check(*dispatch.Context) (CheckResponse, error) {
	rsp := CheckResponse{Status: Serving}
	if len(c.resources) == 0 {
		return rsp, nil
	}
	rsp.Resources = make(map[string]string, len(c.resources))
	for _, r := range c.resources {
		st := r.Status()
		rsp.Resources[r.Name()] = st.String()
		if st != lifecycle.Connected {
			rsp.Status = NotServing
		}
	}
	return rsp, nil
}

// Router returns a router for the health service with c mounted.
func (c *Controller) Router(opts ...dispatch.Option) *dispatch.Router {
	return dispatch.NewRouter(ServiceName, opts...).Mount(c)
}
