package agent

import (
	"context"

	"google.golang.org/grpc"

	"duck-async/internal/compute"
)

var jobServiceDesc = grpc.ServiceDesc{
	ServiceName: compute.ServiceName,
	HandlerType: (*jobService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: submitJobHandler},
		{MethodName: "GetJobStatus", Handler: getJobStatusHandler},
		{MethodName: "CancelJob", Handler: cancelJobHandler},
		{MethodName: "FetchResults", Handler: fetchResultsHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "job_service.json",
}

// unary adapts a typed method to a grpc.MethodDesc handler.
func unary[Req any, Resp any](
	fullMethod string,
	call func(jobService, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(jobService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(jobService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	submitJobHandler    = unary(compute.MethodSubmitJob, jobService.SubmitJob)
	getJobStatusHandler = unary(compute.MethodGetJobStatus, jobService.GetJobStatus)
	cancelJobHandler    = unary(compute.MethodCancelJob, jobService.CancelJob)
	fetchResultsHandler = unary(compute.MethodFetchResults, jobService.FetchResults)
	healthHandler       = unary(compute.MethodHealth, jobService.Health)
)
