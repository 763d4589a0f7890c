// Package crm submits structured call data (call details, transcript and
// lead) to the CRM's public upload endpoint.
package crm
