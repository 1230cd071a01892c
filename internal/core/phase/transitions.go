package phase

import (
	"paas-control/pkg/constants"
)

// StateTransition 阶段/步骤允许的状态流转
type StateTransition struct {
	From constants.JobStatus
	To   constants.JobStatus
}

// pending -> running -> 终态；尚未开始的节点可以直接被中断
var transitions = []StateTransition{
	{From: constants.JobStatusPending, To: constants.JobStatusRunning},
	{From: constants.JobStatusPending, To: constants.JobStatusInterrupted},
	{From: constants.JobStatusRunning, To: constants.JobStatusSuccessful},
	{From: constants.JobStatusRunning, To: constants.JobStatusFailed},
	{From: constants.JobStatusRunning, To: constants.JobStatusInterrupted},
}

// canTransition 检查是否可以进行状态转换
func canTransition(from, to constants.JobStatus) bool {
	for _, t := range transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// sourcesOf 能够流转到 to 的全部状态
func sourcesOf(to constants.JobStatus) []constants.JobStatus {
	var from []constants.JobStatus
	for _, t := range transitions {
		if t.To == to {
			from = append(from, t.From)
		}
	}
	return from
}
