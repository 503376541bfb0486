/*
Package events provides an in-process broker for task lifecycle events.

The supervisor and scheduler publish an event for every task log row
and status change they persist; the server subscribes and forwards
task.log events to clients as unsolicited transport frames while a
long-running call is pending. Subscribers get buffered channels and a
slow subscriber drops events rather than blocking the broker.
*/
package events
