package stream

// Option is one selectable answer to a Question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a structured ask-user request raised by an agent mid-run.
// Options may be empty for free-form questions.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// PlanApprovalQuestion returns the canned approve/reject question
// synthesized when an agent requests plan sign-off rather than asking
// a question itself.
func PlanApprovalQuestion() Question {
	return Question{
		Question: "Plan is ready. Do you approve this plan?",
		Header:   "Plan Approval",
		Options: []Option{
			{Label: "Approve", Description: "Proceed with implementation"},
			{Label: "Reject", Description: "Revise the plan"},
		},
	}
}

// PermissionQuestion returns the canned grant/deny question
// synthesized when output indicates the agent is waiting on file
// permissions instead of asking through the question channel.
func PermissionQuestion() Question {
	return Question{
		Question: "The agent needs permission to modify files. Would you like to grant permission?",
		Header:   "Permission",
		Options: []Option{
			{Label: "Yes, allow file operations", Description: "Grant permission for this task"},
			{Label: "No, don't modify files", Description: "Deny permission"},
		},
	}
}
