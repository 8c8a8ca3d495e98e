package tools

import (
	"context"

	"foreman/internal/delivery/server/app"
	"foreman/internal/external/agents"
)

func delegateTask(tasks *app.TaskService) Handler {
	if tasks == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		description, err := args.String("task_description")
		if err != nil {
			return nil, err
		}
		taskType, err := args.StringOr("task_type", agents.TaskCodeGeneration)
		if err != nil {
			return nil, err
		}
		projectPath, err := args.StringOr("project_path", ".")
		if err != nil {
			return nil, err
		}
		taskContext, err := args.StringMap("context")
		if err != nil {
			return nil, err
		}
		preferred, err := args.StringOr("preferred_agent", "")
		if err != nil {
			return nil, err
		}
		return tasks.Delegate(ctx, app.DelegateInput{
			Description:    description,
			Type:           taskType,
			ProjectPath:    projectPath,
			Context:        taskContext,
			PreferredAgent: preferred,
		})
	}
}

func getTaskStatus(tasks *app.TaskService) Handler {
	if tasks == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		taskID, err := args.String("task_id")
		if err != nil {
			return nil, err
		}
		return tasks.Status(ctx, taskID)
	}
}

func listActiveTasks(tasks *app.TaskService) Handler {
	if tasks == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		return tasks.ListActive(ctx), nil
	}
}

func getWorkerStats(tasks *app.TaskService) Handler {
	if tasks == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		return tasks.WorkerStats(ctx), nil
	}
}

func cancelTask(tasks *app.TaskService) Handler {
	if tasks == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		taskID, err := args.String("task_id")
		if err != nil {
			return nil, err
		}
		return tasks.Cancel(ctx, taskID)
	}
}

func startFeature(flow *app.WorkflowService) Handler {
	if flow == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		projectPath, err := args.String("project_path")
		if err != nil {
			return nil, err
		}
		userPrompt, err := args.String("user_prompt")
		if err != nil {
			return nil, err
		}
		workflowType, err := args.StringOr("workflow_type", "")
		if err != nil {
			return nil, err
		}
		return flow.StartFeature(ctx, projectPath, userPrompt, workflowType)
	}
}

func submitWork(flow *app.WorkflowService) Handler {
	if flow == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		projectPath, err := args.String("project_path")
		if err != nil {
			return nil, err
		}
		featureID, err := args.String("feature_id")
		if err != nil {
			return nil, err
		}
		phaseID, err := args.String("phase_id")
		if err != nil {
			return nil, err
		}
		results, err := args.Map("results")
		if err != nil {
			return nil, err
		}
		return flow.SubmitWork(ctx, projectPath, featureID, phaseID, results)
	}
}

func getHealth(health *app.HealthService) Handler {
	if health == nil {
		return nil
	}
	return func(ctx context.Context, args Args) (any, error) {
		return health.Report(ctx), nil
	}
}
