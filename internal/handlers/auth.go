package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/sirupsen/logrus"
)

const tokenTTL = 24 * time.Hour

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// For demo: accept any username/password
		// In production, validate against a user database
		userID := req.Username
		displayName := req.DisplayName
		if displayName == "" {
			displayName = userID
		}

		tokenString, err := IssueToken(jwtSecret, userID, displayName)
		if err != nil {
			logrus.WithError(err).Error("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  tokenString,
			UserID: userID,
		})
	}
}

// IssueToken signs an HS256 token for userID valid for one day.
func IssueToken(jwtSecret, userID, displayName string) (string, error) {
	now := time.Now()
	claims := middleware.JWTClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
