package common

import "github.com/gin-gonic/gin"

// OK and Fail wrap every JSON response in the {code, message, data}
// envelope. code 0 means success; non-zero codes group by failure class
// (100xx validation, 404xx not found, 409xx conflict, 500xx server).
func OK(c *gin.Context, data any) {
	c.JSON(200, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
