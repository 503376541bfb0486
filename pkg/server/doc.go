/*
Package server exposes the tool surface over line-delimited JSON on
stdio.

A request frame is {id?, name, arguments}; the server answers with
{id?, result} or {id?, error:{code, message}}. While a call is
pending, task_log rows stream back as unsolicited
{event:"task_log", payload} frames. Requests dispatch concurrently and
every write goes through one mutex, so responses and events interleave
without tearing frames.

Tools: health, convert_task_markdown, claude_code.
*/
package server
