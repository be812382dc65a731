// Package core defines the shared domain types of Devflow: tasks and their
// lifecycle state machine, messages, sessions, agent descriptors, the agent
// capability interface and the persistence collaborator interfaces. Higher
// level packages (agent, remote, service) depend on core and never the other
// way around.
package core
