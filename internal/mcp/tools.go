package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/claude/wodtimer/internal/models"
	"github.com/claude/wodtimer/internal/storage"
)

// defaultTimeRange returns start/end defaulting to the last 30 days.
func defaultTimeRange(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error

	if endStr != "" {
		end, err = parseFlexTime(endStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	} else {
		end = time.Now()
	}

	if startStr != "" {
		start, err = parseFlexTime(startStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	} else {
		start = end.AddDate(0, 0, -30)
	}

	return start, end, nil
}

func parseFlexTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse("2006-01-02", s)
	if err == nil {
		return t, nil
	}
	return time.Time{}, err
}

// --- Tool definitions ---

var toolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription("Get the live workout session: phase (idle, preparing, ready, active, paused, ending, ended), workout type and configuration, elapsed active seconds, rounds, milestones, heart rate and calories."),
)

var toolListWorkouts = mcp.NewTool("list_workouts",
	mcp.WithDescription("List completed workout sessions, newest first. Each includes type, duration, rounds, calories, average heart rate and why it ended."),
	mcp.WithString("start", mcp.Description("Start date (ISO 8601 or YYYY-MM-DD). Defaults to 30 days ago.")),
	mcp.WithString("end", mcp.Description("End date (ISO 8601 or YYYY-MM-DD). Defaults to now.")),
	mcp.WithString("type", mcp.Description("Filter by workout type."), mcp.Enum("AMRAP", "EMOM", "TABATA", "FOR_TIME")),
)

var toolGetWorkout = mcp.NewTool("get_workout",
	mcp.WithDescription("Get one completed workout session by ID, including its configuration properties."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Session ID (UUID)")),
)

var toolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription("Get lifetime totals (sessions, active time, rounds, calories) and a per-workout-type breakdown."),
)

var toolGetPreferences = mcp.NewTool("get_preferences",
	mcp.WithDescription("Get the last-used workout type and configuration, used as defaults for the next session."),
)

// --- Tool handlers ---

func (h *handlers) getSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.ds.CurrentSession(ctx)
	if err != nil {
		h.log.Error("mcp get_session", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(st), nil
}

func (h *handlers) listWorkouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start, end, err := defaultTimeRange(req.GetString("start", ""), req.GetString("end", ""))
	if err != nil {
		return mcp.NewToolResultError("invalid date format: " + err.Error()), nil
	}

	var typeFilter *models.WorkoutType
	if t := req.GetString("type", ""); t != "" {
		wt, err := models.ParseWorkoutType(t)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		typeFilter = &wt
	}

	sessions, err := h.ds.QueryCompletedSessions(ctx, start, end, UserFromContext(ctx))
	if err != nil {
		h.log.Error("mcp list_workouts", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}

	result := make([]models.CompletedSession, 0, len(sessions))
	for _, s := range sessions {
		if typeFilter != nil && s.WorkoutType != *typeFilter {
			continue
		}
		result = append(result, s)
	}
	return jsonResult(result), nil
}

func (h *handlers) getWorkout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idStr, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return mcp.NewToolResultError("invalid session ID"), nil
	}

	s, err := h.ds.GetCompletedSession(ctx, id, UserFromContext(ctx))
	if errors.Is(err, storage.ErrNotFound) {
		return mcp.NewToolResultError("workout not found"), nil
	}
	if err != nil {
		h.log.Error("mcp get_workout", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(s), nil
}

func (h *handlers) getStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := h.ds.GetSessionStats(ctx, UserFromContext(ctx))
	if err != nil {
		h.log.Error("mcp get_stats", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	return jsonResult(stats), nil
}

func (h *handlers) getPreferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, ok, err := h.ds.LoadPreferences(ctx, UserFromContext(ctx))
	if err != nil {
		h.log.Error("mcp get_preferences", "error", err)
		return mcp.NewToolResultError("query failed: " + err.Error()), nil
	}
	if !ok {
		return mcp.NewToolResultText("No preferences saved yet."), nil
	}
	return jsonResult(p), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	result, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return mcp.NewToolResultError("serialization failed")
	}
	return result
}
