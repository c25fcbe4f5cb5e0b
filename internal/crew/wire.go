package crew

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service exposed by crew engines.
const ServiceName = "educator.crew.v1.CrewService"

const (
	methodKickoff = "/" + ServiceName + "/Kickoff"
	methodHealth  = "/" + ServiceName + "/Health"
)

type wireAgent struct {
	Role            string     `json:"role"`
	Goal            string     `json:"goal"`
	Backstory       string     `json:"backstory"`
	Memory          bool       `json:"memory"`
	AllowDelegation bool       `json:"allow_delegation"`
	Verbose         bool       `json:"verbose"`
	Tools           []ToolSpec `json:"tools,omitempty"`
}

type wireTask struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	Agent          string   `json:"agent"`
	OutputFile     string   `json:"output_file,omitempty"`
	Context        []string `json:"context,omitempty"`
}

type wireCrew struct {
	Process Process     `json:"process"`
	Verbose bool        `json:"verbose"`
	Agents  []wireAgent `json:"agents"`
	Tasks   []wireTask  `json:"tasks"`
}

type kickoffRequest struct {
	Crew   wireCrew `json:"crew"`
	Inputs Inputs   `json:"inputs"`
}

// HealthStatus is returned by the Health RPC.
type HealthStatus struct {
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
	Model  string `json:"model,omitempty"`
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("empty payload")
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// EncodeKickoff serializes a crew and its inputs for the wire.
func EncodeKickoff(c *Crew, inputs Inputs) (*structpb.Struct, error) {
	req := kickoffRequest{
		Crew: wireCrew{
			Process: c.Process,
			Verbose: c.Verbose,
		},
		Inputs: inputs,
	}
	for _, a := range c.Agents {
		wa := wireAgent{
			Role:            a.Role,
			Goal:            a.Goal,
			Backstory:       a.Backstory,
			Memory:          a.Memory,
			AllowDelegation: a.AllowDelegation,
			Verbose:         a.Verbose,
		}
		for _, t := range a.Tools {
			wa.Tools = append(wa.Tools, t.Spec())
		}
		req.Crew.Agents = append(req.Crew.Agents, wa)
	}
	for _, t := range c.Tasks {
		wt := wireTask{
			Name:           t.Name,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			OutputFile:     t.OutputFile,
		}
		if t.Agent != nil {
			wt.Agent = t.Agent.Role
		}
		for _, dep := range t.Context {
			wt.Context = append(wt.Context, dep.Name)
		}
		req.Crew.Tasks = append(req.Crew.Tasks, wt)
	}
	s, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode kickoff: %w", err)
	}
	return s, nil
}

// DecodeKickoff rebuilds a crew from the wire, creating tools with factory.
func DecodeKickoff(s *structpb.Struct, factory ToolFactory) (*Crew, Inputs, error) {
	var req kickoffRequest
	if err := fromStruct(s, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: decode kickoff: %v", ErrInvalidCrew, err)
	}

	c := &Crew{Process: req.Crew.Process, Verbose: req.Crew.Verbose}
	byRole := make(map[string]*Agent, len(req.Crew.Agents))
	for _, wa := range req.Crew.Agents {
		a := &Agent{
			Role:            wa.Role,
			Goal:            wa.Goal,
			Backstory:       wa.Backstory,
			Memory:          wa.Memory,
			AllowDelegation: wa.AllowDelegation,
			Verbose:         wa.Verbose,
		}
		for _, spec := range wa.Tools {
			if factory == nil {
				return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTool, spec.Name)
			}
			tool, err := factory(spec)
			if err != nil {
				return nil, nil, err
			}
			a.Tools = append(a.Tools, tool)
		}
		byRole[a.Role] = a
		c.Agents = append(c.Agents, a)
	}

	byName := make(map[string]*Task, len(req.Crew.Tasks))
	for _, wt := range req.Crew.Tasks {
		t := &Task{
			Name:           wt.Name,
			Description:    wt.Description,
			ExpectedOutput: wt.ExpectedOutput,
			Agent:          byRole[wt.Agent],
			OutputFile:     wt.OutputFile,
		}
		for _, name := range wt.Context {
			dep, ok := byName[name]
			if !ok {
				return nil, nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidCrew, wt.Name, name)
			}
			t.Context = append(t.Context, dep)
		}
		byName[t.Name] = t
		c.Tasks = append(c.Tasks, t)
	}

	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	return c, req.Inputs, nil
}

// CrewServer is the server side of the crew service.
type CrewServer interface {
	Kickoff(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Health(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterCrewServer registers srv on s.
func RegisterCrewServer(s grpc.ServiceRegistrar, srv CrewServer) {
	s.RegisterService(&crewServiceDesc, srv)
}

var crewServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CrewServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Kickoff", Handler: kickoffHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "educator/crew/v1/crew.proto",
}

func kickoffHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CrewServer).Kickoff(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodKickoff}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CrewServer).Kickoff(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CrewServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHealth}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CrewServer).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
